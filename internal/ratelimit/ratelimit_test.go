package ratelimit

import "testing"

func TestZeroRateIsUnlimited(t *testing.T) {
	l := New(0, 0)
	if l.Download() != nil {
		t.Fatal("expected nil download bucket for rate 0")
	}
	if l.Upload() != nil {
		t.Fatal("expected nil upload bucket for rate 0")
	}
}

func TestPositiveRateProducesBucket(t *testing.T) {
	l := New(1024, 2048)
	if l.Download() == nil {
		t.Fatal("expected non-nil download bucket")
	}
	if l.Upload() == nil {
		t.Fatal("expected non-nil upload bucket")
	}
	if l.Download().Capacity() != 1024 {
		t.Fatalf("download capacity = %d, want 1024", l.Download().Capacity())
	}
}

func TestSetRateSwapsBucket(t *testing.T) {
	l := New(1024, 0)
	if l.Upload() != nil {
		t.Fatal("expected nil upload bucket initially")
	}
	l.SetUploadRate(512)
	if l.Upload() == nil {
		t.Fatal("expected non-nil upload bucket after SetUploadRate")
	}
	l.SetDownloadRate(0)
	if l.Download() != nil {
		t.Fatal("expected nil download bucket after rate set back to 0")
	}
}
