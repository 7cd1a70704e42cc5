package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/transfer-engine/engine"
	"github.com/warp/transfer-engine/engine/store"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Thép  Ống ":      "thep ong",
		"THÉP\tỐNG":         "thep ong",
		"Máy   khoan  cầm":  "may khoan cam",
		"":                  "",
		"   ":               "",
		"Bu lông M10":       "bu long m10",
		"Nhà máy":           "nha may",
		"already plain":     "already plain",
		"Giấy A4\n(ream)  ": "giay a4 (ream)",
	}
	for in, want := range cases {
		assert.Equal(t, want, engine.Normalize(in), "Normalize(%q)", in)
	}
}

func TestIdentityKey_EqualAcrossSpellings(t *testing.T) {
	a := engine.NewIdentityKey("X", "Thép ống", "Cái", "M")
	b := engine.NewIdentityKey("X", " thep   ONG", "cai", "m ")
	c := engine.NewIdentityKey("Y", "Thép ống", "Cái", "M")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a.Item(), c.Item())
}

func TestFeed_SubscribeReceivesLatest(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	ctx, cancel := context.WithCancel(context.Background())
	updates := wf.Feed.Subscribe(ctx)

	_, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)
	_, err = wf.Create(ctx, transferOf("A", 2), tester)
	require.NoError(t, err)

	select {
	case snap := <-updates:
		assert.Len(t, snap.Transfers, 2, "only the newest snapshot is kept")
		assert.Equal(t, uint64(2), snap.Sequence)
		assert.Len(t, snap.Assets, 1)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 10*time.Millisecond)
}

// brokenList fails every transfer listing.
type brokenList struct{ *store.Memory }

func (brokenList) ListTransfers(context.Context) ([]engine.TransferRecord, error) {
	return nil, errors.New("database is locked")
}

func TestFeed_PublishLogsSnapshotFailure(t *testing.T) {
	// GIVEN: A subscriber and a store that cannot list transfers
	// WHEN: A change is published
	// THEN: The failure is logged and the subscriber gets nothing

	feed := engine.NewFeed(brokenList{store.NewMemory()})
	var logs bytes.Buffer
	feed.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := feed.Subscribe(ctx)

	feed.Publish(ctx)

	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "database is locked")
	select {
	case <-updates:
		t.Fatal("snapshot delivered despite failure")
	default:
	}
}
