package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client
}

func TestStoreReturnsDefaultsWhenMissing(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	p, err := store.Get(context.Background(), "biz-1")
	require.NoError(t, err)
	assert.Equal(t, "biz-1", p.BusinessID)
	assert.Equal(t, 30*time.Minute, p.TravelBuffer())
	assert.Equal(t, 20, p.MaxSlots)
	assert.Equal(t, DefaultConfidenceThreshold, p.ConfidenceThreshold)
}

func TestStoreRoundTripFillsDefaults(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	// A partially populated record written by an external settings UI.
	require.NoError(t, client.Set(ctx, "dispatch:policy:biz-2", `{"timezone":"America/Chicago","travel_buffer_minutes":45,"allow_weekend_booking":true}`, 0).Err())

	p, err := store.Get(ctx, "biz-2")
	require.NoError(t, err)
	assert.Equal(t, "biz-2", p.BusinessID)
	assert.Equal(t, 45*time.Minute, p.TravelBuffer())
	assert.Equal(t, 90*time.Minute, p.DefaultDuration())
	assert.True(t, p.AllowWeekendBooking)

	p.MaxSlots = 5
	require.NoError(t, store.Set(ctx, p))
	again, err := store.Get(ctx, "biz-2")
	require.NoError(t, err)
	assert.Equal(t, 5, again.MaxSlots)
}

func TestStoreRejectsCorruptRecord(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "dispatch:policy:biz-3", "not-json", 0).Err())

	_, err := store.Get(ctx, "biz-3")
	assert.Error(t, err)
}

func TestHoursForDefaults(t *testing.T) {
	p := DefaultPolicy("biz-1")
	loc := p.Location()

	tuesday := time.Date(2026, 3, 10, 12, 0, 0, 0, loc)
	open, closeAt, ok := p.HoursFor(tuesday)
	require.True(t, ok)
	assert.Equal(t, 8, open.Hour())
	assert.Equal(t, 17, closeAt.Hour())

	saturday := time.Date(2026, 3, 14, 12, 0, 0, 0, loc)
	_, _, ok = p.HoursFor(saturday)
	assert.False(t, ok)
	assert.False(t, p.OpenForBooking(saturday))

	p.AllowWeekendBooking = true
	assert.True(t, p.OpenForBooking(saturday), "weekend falls back to default hours when allowed")
}

func TestHoursForUnconfiguredBusiness(t *testing.T) {
	p := &Policy{BusinessID: "biz-1", Timezone: "UTC"}
	p.Normalize()
	open, closeAt, ok := p.HoursFor(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), open)
	assert.Equal(t, time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC), closeAt)
}

func TestNextBusinessDaySkipsWeekend(t *testing.T) {
	p := DefaultPolicy("biz-1")
	loc := p.Location()
	friday := time.Date(2026, 3, 13, 15, 0, 0, 0, loc)

	next := p.NextBusinessDay(friday)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 0, next.Hour())
}

func TestGetSMSRecipientsDeduplicates(t *testing.T) {
	n := NotificationPrefs{SMSRecipient: "+1555", SMSRecipients: []string{"+1555", "+1666", ""}}
	assert.Equal(t, []string{"+1555", "+1666"}, n.GetSMSRecipients())
}

func TestStaticSourceCopies(t *testing.T) {
	src := NewStaticSource(&Policy{BusinessID: "biz-1", MaxSlots: 3})
	p, err := src.Get(context.Background(), "biz-1")
	require.NoError(t, err)
	p.MaxSlots = 99

	again, _ := src.Get(context.Background(), "biz-1")
	assert.Equal(t, 3, again.MaxSlots)

	other, _ := src.Get(context.Background(), "unknown")
	assert.Equal(t, DefaultMaxSlots, other.MaxSlots)
}

func TestLocationCachedByNormalize(t *testing.T) {
	p := DefaultPolicy("biz-1")
	p.Timezone = "America/Denver"
	p.Normalize()

	first := p.Location()
	assert.Equal(t, "America/Denver", first.String())
	assert.Same(t, first, p.Location(), "normalized policy reuses the resolved zone")

	cp := *p
	assert.Same(t, first, cp.Location(), "copies share the cached zone")

	p.Timezone = "UTC"
	assert.Equal(t, "UTC", p.Location().String(), "a changed timezone is not served from the cache")

	p.Timezone = "Not/AZone"
	p.Normalize()
	assert.Equal(t, time.UTC, p.Location())
}
