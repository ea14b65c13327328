package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeAdapter struct {
	name string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Search(ctx context.Context, params Params) (Cursor, error) {
	return nil, nil
}

func (f *fakeAdapter) PollingInterval(params Params) time.Duration {
	return time.Minute
}

var _ Adapter = (*fakeAdapter)(nil)

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry(&fakeAdapter{name: "craigslist"}, &fakeAdapter{name: "marketplace"})

	a, err := registry.Lookup("craigslist")
	assert.NoError(t, err)
	assert.Equal(t, "craigslist", a.Name())

	_, err = registry.Lookup("unknown")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"craigslist", "marketplace"}, registry.Names())
}
