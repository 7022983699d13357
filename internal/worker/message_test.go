package worker

import (
	"context"
	"testing"
)

func TestParseMessage(t *testing.T) {
	cases := []struct {
		raw  string
		want Message
	}{
		{"skipWaiting", MessageSkipWaiting},
		{"  downloadOffline\n", MessageDownloadOffline},
		{`"skipWaiting"`, MessageSkipWaiting},
		{`{"data":"downloadOffline"}`, MessageDownloadOffline},
		{`{"other":1}`, ""},
		{"reload", "reload"},
	}
	for _, tc := range cases {
		if got := ParseMessage([]byte(tc.raw)); got != tc.want {
			t.Fatalf("ParseMessage(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestHandleMessage(t *testing.T) {
	w, _ := activatedWorker(t)
	ctx := context.Background()

	handled, err := w.HandleMessage(ctx, "reload")
	if handled || err != nil {
		t.Fatalf("unknown message should be ignored, got %v/%v", handled, err)
	}

	handled, err = w.HandleMessage(ctx, MessageDownloadOffline)
	if !handled || err != nil {
		t.Fatalf("downloadOffline failed: %v/%v", handled, err)
	}
	keys, _ := w.CachedKeys(ctx)
	if len(keys) != len(w.Manifest().Resources) {
		t.Fatalf("downloadOffline should populate the whole manifest, got %v", keys)
	}

	fresh := newTestWorker(t, newTestStore(t), newOriginStub(v1Bodies()), manifestV1())
	if handled, _ := fresh.HandleMessage(ctx, MessageSkipWaiting); !handled || !fresh.ShouldSkipWaiting() {
		t.Fatalf("skipWaiting should mark the worker")
	}
}
