// Package embedding turns query and fragment text into fixed-dimension
// vectors with cosine distance semantics. Embedding generation is
// externalized; providers here either call out or derive a deterministic
// local vector.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Provider produces embeddings of a fixed dimension.
type Provider interface {
	// Embed returns a vector of Dim() elements for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim returns the vector dimension.
	Dim() int

	// Name returns the provider name.
	Name() string
}

// -----------------------------------------------------------------------------
// Hashing provider
// -----------------------------------------------------------------------------

// HashingProvider derives a deterministic feature-hashed unit vector from the
// text's tokens. It needs no network and gives stable cosine geometry, which
// is what dev mode and the test suite want.
type HashingProvider struct {
	dim int
}

// NewHashingProvider creates a hashing provider of the given dimension.
func NewHashingProvider(dim int) (*HashingProvider, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	return &HashingProvider{dim: dim}, nil
}

func (p *HashingProvider) Dim() int     { return p.dim }
func (p *HashingProvider) Name() string { return "hashing" }

// Embed hashes each token into a bucket and normalizes the result to unit
// length. Identical text always produces the identical vector.
func (p *HashingProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(p.dim)
		sign := float32(1)
		if sum[4]%2 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Degenerate input; point at a fixed axis so distance stays defined.
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// -----------------------------------------------------------------------------
// HTTP provider
// -----------------------------------------------------------------------------

// HTTPProvider calls an external embedding service:
// POST {url} {"text": ...} -> {"embedding": [...]}.
type HTTPProvider struct {
	url    string
	dim    int
	client *http.Client
}

// NewHTTPProvider creates a provider for the embedding service at url.
func NewHTTPProvider(url string, dim int, timeout time.Duration) (*HTTPProvider, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	return &HTTPProvider{
		url:    url,
		dim:    dim,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPProvider) Dim() int     { return p.dim }
func (p *HTTPProvider) Name() string { return "http" }

// Embed posts the text and validates the returned dimension.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading embed response: %w", err)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(out.Embedding) != p.dim {
		return nil, fmt.Errorf("embedding service returned dimension %d, want %d", len(out.Embedding), p.dim)
	}
	return out.Embedding, nil
}
