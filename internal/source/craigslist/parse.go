package craigslist

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"listingwatch/internal/listing"
	pkgerrors "listingwatch/pkg/errors"
)

var pageNumberPattern = regexp.MustCompile(`\b(\d+)\b`)

// Timestamp layouts seen in craigslist time elements. The offset is written
// both with and without a colon depending on the page.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04",
}

// parseSearchResults extracts the listing URLs from one gallery results page
// and reports whether another page follows. A page with no results is the
// one past the last, not a failure.
func parseSearchResults(content string) (hasNext bool, urls []string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false, nil, pkgerrors.NewExtract(adapterName, "failed to parse search results page", content, err)
	}

	results := doc.Find("div.cl-results-page")
	if results.Length() == 0 {
		return false, nil, pkgerrors.NewExtract(adapterName, "couldn't find results container in search page", content, nil)
	}

	results.Find("a.main[href]").Each(func(i int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			urls = append(urls, href)
		}
	})
	if len(urls) == 0 {
		return false, nil, nil
	}

	// The page counter reads "N - M of T"; there is another page as long as
	// M has not reached T.
	counter := doc.Find("span.cl-page-number").First().Text()
	nums := pageNumberPattern.FindAllString(counter, -1)
	if len(nums) < 3 {
		return false, nil, pkgerrors.NewExtract(adapterName, fmt.Sprintf("couldn't read page counter %q", counter), content, nil)
	}
	return nums[1] != nums[2], urls, nil
}

// parseResultDetails extracts a listing from its detail page.
func parseResultDetails(url, content string) (listing.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return listing.Listing{}, pkgerrors.NewExtract(adapterName, "failed to parse listing page", content, err)
	}

	title := strings.TrimSpace(doc.Find("span#titletextonly").First().Text())
	if title == "" {
		return listing.Listing{}, pkgerrors.NewExtract(adapterName, "couldn't find title in listing page", content, nil)
	}

	body := doc.Find("section#postingbody").Clone()
	body.Find("div.print-information").Remove()

	imageURLs := parseImageURLs(doc)

	created, updated, err := parsePostingTimes(doc, content)
	if err != nil {
		return listing.Listing{}, err
	}

	l := listing.Listing{
		URL:          url,
		Title:        title,
		Body:         normalizeBody(body.Text()),
		Price:        parsePrice(doc.Find("span.price").First().Text()),
		ImageURLs:    imageURLs,
		CreationTime: created,
		UpdatedTime:  updated,
	}
	if len(imageURLs) > 0 {
		l.ThumbnailURL = imageURLs[0]
	}

	if m := doc.Find("div#map").First(); m.Length() > 0 {
		if lat, ok := m.Attr("data-latitude"); ok {
			l.Latitude, _ = strconv.ParseFloat(lat, 64)
		}
		if lon, ok := m.Attr("data-longitude"); ok {
			l.Longitude, _ = strconv.ParseFloat(lon, 64)
		}
	}

	return l, nil
}

// parseImageURLs collects full-size image links from the thumbnail strip,
// falling back to the single gallery image on one-photo listings.
func parseImageURLs(doc *goquery.Document) []string {
	var urls []string
	thumbs := doc.Find("#thumbs").First()
	if thumbs.Length() > 0 {
		thumbs.Find("a[href]").Each(func(i int, s *goquery.Selection) {
			if href, ok := s.Attr("href"); ok && href != "" {
				urls = append(urls, href)
			}
		})
		return urls
	}
	if src, ok := doc.Find(".gallery img[src]").First().Attr("src"); ok && src != "" {
		urls = append(urls, src)
	}
	return urls
}

// parsePrice converts a "$1,234" price tag to a number. Listings without a
// price yield zero.
func parsePrice(text string) float64 {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "$")
	text = strings.ReplaceAll(text, ",", "")
	if text == "" {
		return 0
	}
	price, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0
	}
	return price
}

// parsePostingTimes reads the posted and updated timestamps from the posting
// infos block. The posted time is mandatory; the updated time defaults to it
// on listings that were never edited.
func parsePostingTimes(doc *goquery.Document, content string) (created, updated time.Time, err error) {
	infos := doc.Find("div.postinginfos").First()

	created, ok, err := postingTime(infos, "posted:")
	if err != nil {
		return time.Time{}, time.Time{}, pkgerrors.NewExtract(adapterName, "couldn't parse posted time in listing page", content, err)
	}
	if !ok {
		return time.Time{}, time.Time{}, pkgerrors.NewExtract(adapterName, "couldn't find posted time in listing page", content, nil)
	}

	updated, ok, err = postingTime(infos, "updated:")
	if err != nil {
		return time.Time{}, time.Time{}, pkgerrors.NewExtract(adapterName, "couldn't parse updated time in listing page", content, err)
	}
	if !ok {
		updated = created
	}
	return created, updated, nil
}

// postingTime finds the posting info labelled with the given prefix and
// parses the datetime attribute of its time element.
func postingTime(infos *goquery.Selection, label string) (t time.Time, found bool, err error) {
	infos.Find("p.postinginfo").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(s.Text()), label) {
			return true
		}
		attr, ok := s.Find("time[datetime]").First().Attr("datetime")
		if !ok {
			return true
		}
		t, err = parseListingTime(attr)
		found = err == nil
		return false
	})
	return t, found, err
}

func parseListingTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
