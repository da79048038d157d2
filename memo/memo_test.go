package memo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetUnknownKey(t *testing.T) {
	m := New()

	_, known := m.Get("converted/ab/abc123")
	require.False(t, known)
}

func TestSetGet(t *testing.T) {
	m := New()

	m.Set("a", true)
	m.Set("b", false)

	exists, known := m.Get("a")
	require.True(t, known)
	require.True(t, exists)

	exists, known = m.Get("b")
	require.True(t, known)
	require.False(t, exists)
}

func TestVerdictExpiresAfterTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	m := New(WithTTL(60*time.Second), WithNow(clock))
	m.Set("a", true)

	now = now.Add(59 * time.Second)
	_, known := m.Get("a")
	require.True(t, known)

	now = now.Add(time.Second)
	_, known = m.Get("a")
	require.False(t, known)

	// Expired entry is dropped, not just hidden.
	require.Equal(t, 0, m.Len())
}

func TestSetRefreshesObservedAt(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	m := New(WithTTL(60*time.Second), WithNow(clock))
	m.Set("a", false)

	now = now.Add(50 * time.Second)
	m.Set("a", true)

	now = now.Add(50 * time.Second)
	exists, known := m.Get("a")
	require.True(t, known)
	require.True(t, exists)
}

func TestMaxEntriesEvictsOldestFirst(t *testing.T) {
	m := New(WithMaxEntries(3))

	for i := 0; i < 5; i++ {
		m.Set(fmt.Sprintf("key-%d", i), true)
	}

	require.Equal(t, 3, m.Len())

	_, known := m.Get("key-0")
	require.False(t, known)
	_, known = m.Get("key-1")
	require.False(t, known)
	_, known = m.Get("key-4")
	require.True(t, known)
}

func TestUncappedMemoKeepsNoOrderBookkeeping(t *testing.T) {
	m := New()

	for i := 0; i < 100; i++ {
		m.Set(fmt.Sprintf("key-%d", i), true)
	}

	require.Equal(t, 100, m.Len())
	require.Empty(t, m.order)
}

func TestOrderCompactsAfterLazyExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	const limit = 4
	m := New(WithMaxEntries(limit), WithTTL(60*time.Second), WithNow(clock))

	// Fill, expire everything via reads, then churn fresh keys. The
	// expired keys' order slots must not accumulate.
	for i := 0; i < limit; i++ {
		m.Set(fmt.Sprintf("old-%d", i), true)
	}
	now = now.Add(61 * time.Second)
	for i := 0; i < limit; i++ {
		_, known := m.Get(fmt.Sprintf("old-%d", i))
		require.False(t, known)
	}

	for i := 0; i < 50; i++ {
		m.Set(fmt.Sprintf("new-%d", i), true)
	}

	require.Equal(t, limit, m.Len())
	require.LessOrEqual(t, len(m.order), 2*limit)
}

func TestSetExistingKeyDoesNotEvict(t *testing.T) {
	m := New(WithMaxEntries(2))

	m.Set("a", true)
	m.Set("b", true)
	m.Set("a", false)

	require.Equal(t, 2, m.Len())

	exists, known := m.Get("a")
	require.True(t, known)
	require.False(t, exists)
}
