// Package archive talks to the two external trust services: the
// content-addressed store that keeps epoch bundles and the signing
// authority that attests to sealed roots.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"hiveledger/internal/units"
)

var (
	ErrPublishFailure = errors.New("archive publish failed")
	ErrSigningFailure = errors.New("signing failed")
)

// Publisher stores an immutable blob and returns its content id.
type Publisher interface {
	Add(ctx context.Context, name string, data []byte) (string, error)
}

// Signer produces a detached signature over a canonical message.
type Signer interface {
	Sign(ctx context.Context, message string) (string, error)
}

// SealMessage is the canonical text the signing authority signs for a
// sealed epoch. Any change to this layout invalidates old signatures.
func SealMessage(epochID int64, merkleRoot string, jobCount int, distributed units.Amount, sealedAt string) string {
	return fmt.Sprintf("HiveLedger Epoch Seal\nEpoch: %d\nMerkle Root: %s\nJobs: %d\nDistributed: %s\nSealed: %s",
		epochID, merkleRoot, jobCount, distributed, sealedAt)
}

// HTTPPublisher speaks the IPFS HTTP API: POST /api/v0/add with a
// multipart file, CIDv1 response.
type HTTPPublisher struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPPublisher(endpoint string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPPublisher) Add(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}

	u := p.Endpoint + "/api/v0/add?" + url.Values{"cid-version": {"1"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrPublishFailure, resp.StatusCode, snippet)
	}
	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("%w: empty content id", ErrPublishFailure)
	}
	return out.Hash, nil
}

// HTTPSigner posts the canonical message to the signing authority and
// returns the hex signature.
type HTTPSigner struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPSigner(endpoint string, timeout time.Duration) *HTTPSigner {
	return &HTTPSigner{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSigner) Sign(ctx context.Context, message string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/sign", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrSigningFailure, resp.StatusCode, snippet)
	}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	if out.Signature == "" {
		return "", fmt.Errorf("%w: empty signature", ErrSigningFailure)
	}
	return out.Signature, nil
}
