package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hiveledger/internal/units"
)

func TestSealMessageLayout(t *testing.T) {
	msg := SealMessage(7, "abc123", 42, units.MustParse("0.4650"), "2026-01-02T00:00:00Z")
	want := "HiveLedger Epoch Seal\nEpoch: 7\nMerkle Root: abc123\nJobs: 42\nDistributed: 0.465\nSealed: 2026-01-02T00:00:00Z"
	if msg != want {
		t.Fatalf("seal message = %q, want %q", msg, want)
	}
}

func TestPublisherAdd(t *testing.T) {
	var gotPath, gotName string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotName = hdr.Filename
		gotBody, _ = io.ReadAll(f)
		w.Write([]byte(`{"Name":"bundle.json","Hash":"bafytest","Size":"12"}`))
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, time.Second)
	cid, err := p.Add(context.Background(), "bundle.json", []byte(`{"epoch":7}`))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if cid != "bafytest" {
		t.Fatalf("cid = %q", cid)
	}
	if gotPath != "/api/v0/add" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotName != "bundle.json" || string(gotBody) != `{"epoch":7}` {
		t.Fatalf("upload mismatch: %q %q", gotName, gotBody)
	}
}

func TestPublisherErrorWrapsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "store offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, time.Second)
	_, err := p.Add(context.Background(), "x", []byte("y"))
	if !errors.Is(err, ErrPublishFailure) {
		t.Fatalf("want ErrPublishFailure, got %v", err)
	}
}

func TestSignerSign(t *testing.T) {
	var gotMessage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sign" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotMessage = string(body)
		w.Write([]byte(`{"signature":"deadbeef"}`))
	}))
	defer srv.Close()

	s := NewHTTPSigner(srv.URL, time.Second)
	sig, err := s.Sign(context.Background(), "HiveLedger Epoch Seal\nEpoch: 1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig != "deadbeef" {
		t.Fatalf("signature = %q", sig)
	}
	if !strings.Contains(gotMessage, "Epoch Seal") {
		t.Fatalf("message not forwarded: %q", gotMessage)
	}
}

func TestSignerRejectsEmptySignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewHTTPSigner(srv.URL, time.Second)
	if _, err := s.Sign(context.Background(), "msg"); !errors.Is(err, ErrSigningFailure) {
		t.Fatalf("want ErrSigningFailure, got %v", err)
	}
}
