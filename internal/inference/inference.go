// Package inference holds the typed HTTP clients for the two external
// collaborators the pipeline calls out to: the Classifier and the
// Generator (C4). Both clients share callWithPolicy, which composes a
// context deadline, a circuit breaker gate, and jittered exponential
// backoff retry around a single HTTP round trip — grounded in
// admin-module's seclient/client.go for the "typed client wrapping
// net/http with a closed error taxonomy" shape, with retry supplied by
// cenkalti/backoff/v4 (an indirect dependency across the pack,
// promoted here to direct use) since no repo in the pack implements
// retry by hand.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/patanet7/ChirpNeighbors/internal/breaker"
)

// Closed error taxonomy for collaborator calls, per spec.md §4.3/§7.
var (
	ErrTimeout     = errors.New("inference: collaborator timeout")
	ErrUnavailable = errors.New("inference: collaborator unavailable")
	ErrBadRequest  = errors.New("inference: request rejected by collaborator")
	ErrTransport   = errors.New("inference: transport failure")
	ErrMalformed   = errors.New("inference: malformed collaborator response")
	ErrBreakerOpen = errors.New("inference: circuit breaker open")
)

// ClassifyRequest carries the raw clip bytes handed to the classifier,
// per spec.md §4.4's classifier.classify(bytes) contract.
type ClassifyRequest struct {
	CaptureID string
	ClipBytes []byte
	ClipKey   string
}

// ClassifyResult is the classifier's verdict for one clip.
type ClassifyResult struct {
	SpeciesCode    string
	CommonName     string
	ScientificName string
	Family         string
	Confidence     float64
}

// Classifier identifies the species present in an uploaded clip.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error)
}

// GenerateRequest asks the generator to produce art for a species.
// CaptureID is carried through only as the generate call's idempotency
// key — the art itself is keyed and cached by SpeciesCode, not by
// capture.
type GenerateRequest struct {
	CaptureID      string
	SpeciesCode    string
	CommonName     string
	ScientificName string
}

// GenerateResult is the generator's art payload.
type GenerateResult struct {
	ImageData []byte
	ImageExt  string
	GIFData   []byte
	GIFExt    string
}

// Generator produces illustrative art for a newly seen species.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// Policy bundles the retry/breaker/timeout settings shared by both
// clients.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	Breaker     *breaker.Breaker
}

func (p Policy) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(0, p.MaxAttempts-1))), ctx)
}

// permanentError wraps an error that retry must not retry.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// callWithPolicy executes do under a context deadline, gated by the
// breaker, retried per the exponential backoff policy. do must
// classify its own errors into the package's closed taxonomy and wrap
// non-retryable ones (ErrBadRequest, ErrMalformed) so backoff.Permanent
// treats them as final.
func callWithPolicy(ctx context.Context, p Policy, do func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	operation := func() error {
		err := do(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrMalformed) {
			return backoff.Permanent(err)
		}
		return err
	}

	var callErr error
	breakerErr := p.Breaker.Do(ctx, func(bctx context.Context) error {
		callErr = backoff.Retry(operation, p.retryPolicy(bctx))
		return callErr
	})
	if errors.Is(breakerErr, breaker.ErrOpen) {
		return ErrBreakerOpen
	}
	return callErr
}

func classifyHTTPError(err error, resp *http.Response) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode)
	}
	return nil
}

// HTTPClassifier calls a remote classifier service over HTTP.
type HTTPClassifier struct {
	BaseURL string
	HTTP    *http.Client
	Policy  Policy
}

type classifyWireResponse struct {
	SpeciesCode    string  `json:"species_code"`
	CommonName     string  `json:"common_name"`
	ScientificName string  `json:"scientific_name"`
	Family         string  `json:"family,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// Classify implements Classifier. The clip travels as multipart audio
// rather than a JSON-wrapped base64 blob, the same shape
// storage-element's upload handler parses on the inbound side of this
// service — the classifier is just another multipart consumer.
func (c *HTTPClassifier) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	var result ClassifyResult
	err := callWithPolicy(ctx, c.Policy, func(ctx context.Context) error {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		if err := w.WriteField("capture_id", req.CaptureID); err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrBadRequest, err)
		}
		if err := w.WriteField("clip_key", req.ClipKey); err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrBadRequest, err)
		}
		part, err := w.CreateFormFile("clip", req.ClipKey)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrBadRequest, err)
		}
		if _, err := part.Write(req.ClipBytes); err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrBadRequest, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrBadRequest, err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/classify", &body)
		if err != nil {
			return fmt.Errorf("%w: building request: %v", ErrTransport, err)
		}
		httpReq.Header.Set("Content-Type", w.FormDataContentType())

		resp, err := c.HTTP.Do(httpReq)
		if classified := classifyHTTPError(err, resp); classified != nil {
			return classified
		}
		defer resp.Body.Close()

		var wire classifyWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrMalformed, err)
		}
		if wire.SpeciesCode == "" {
			return fmt.Errorf("%w: empty species_code", ErrMalformed)
		}

		result = ClassifyResult{
			SpeciesCode:    wire.SpeciesCode,
			CommonName:     wire.CommonName,
			ScientificName: wire.ScientificName,
			Family:         wire.Family,
			Confidence:     wire.Confidence,
		}
		return nil
	})
	return result, err
}

// HTTPGenerator calls a remote art generator service over HTTP.
type HTTPGenerator struct {
	BaseURL string
	HTTP    *http.Client
	Policy  Policy
}

type generateWireResponse struct {
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageExt    string `json:"image_ext,omitempty"`
	GIFBase64   string `json:"gif_base64,omitempty"`
	GIFExt      string `json:"gif_ext,omitempty"`
}

// Generate implements Generator.
func (c *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	var result GenerateResult
	err := callWithPolicy(ctx, c.Policy, func(ctx context.Context) error {
		body, err := json.Marshal(map[string]string{
			"request_id":      req.CaptureID,
			"species_code":    req.SpeciesCode,
			"common_name":     req.CommonName,
			"scientific_name": req.ScientificName,
		})
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrBadRequest, err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/generate", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: building request: %v", ErrTransport, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(httpReq)
		if classified := classifyHTTPError(err, resp); classified != nil {
			return classified
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", ErrTransport, err)
		}
		var wire generateWireResponse
		if err := json.Unmarshal(raw, &wire); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrMalformed, err)
		}
		if wire.ImageBase64 == "" && wire.GIFBase64 == "" {
			return fmt.Errorf("%w: generator returned no art", ErrMalformed)
		}

		if wire.ImageBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(wire.ImageBase64)
			if err != nil {
				return fmt.Errorf("%w: decoding image payload: %v", ErrMalformed, err)
			}
			result.ImageData = decoded
			result.ImageExt = wire.ImageExt
		}
		if wire.GIFBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(wire.GIFBase64)
			if err != nil {
				return fmt.Errorf("%w: decoding gif payload: %v", ErrMalformed, err)
			}
			result.GIFData = decoded
			result.GIFExt = wire.GIFExt
		}
		return nil
	})
	return result, err
}
