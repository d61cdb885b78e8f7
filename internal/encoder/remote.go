package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/pkg/errors"
)

// RemoteEncoder calls an encoder serving endpoint over HTTP.  The endpoint
// owns the pretrained weights; this side only marshals batches and reshapes
// the returned hidden states.
type RemoteEncoder struct {
	baseURL    string
	modelName  string
	hiddenDim  int
	numLayers  int
	timeout    time.Duration
	retryMax   int
	httpClient *http.Client
	logger     logging.Logger
}

// NewRemoteEncoder builds a client for the encoder service named in cfg.
func NewRemoteEncoder(cfg config.EncoderConfig, modelName string, logger logging.Logger) *RemoteEncoder {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	return &RemoteEncoder{
		baseURL:    cfg.BaseURL,
		modelName:  modelName,
		hiddenDim:  cfg.HiddenDim,
		numLayers:  cfg.NumLayers,
		timeout:    timeout,
		retryMax:   cfg.RetryMax,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("encoder.remote"),
	}
}

func (r *RemoteEncoder) HiddenDim() int { return r.hiddenDim }
func (r *RemoteEncoder) NumLayers() int { return r.numLayers }

type encodeRequest struct {
	Model         string      `json:"model"`
	Tokens        [][]int     `json:"tokens"`
	AttentionMask [][]float32 `json:"attention_mask"`
	TokenTypeIDs  [][]float32 `json:"token_type_ids"`
}

type encodeResponse struct {
	// HiddenStates is indexed [layer][batch][position][dim].
	HiddenStates [][][][]float32 `json:"hidden_states"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode posts the batch to the serving endpoint and converts the response
// into per-layer [B, T, D] tensors.  Transport failures and 5xx responses
// are retried with linear backoff up to RetryMax additional attempts.
func (r *RemoteEncoder) Encode(ctx context.Context, tokens, attentionMask, tokenTypeIDs *tensor.Dense) (*Encoding, error) {
	b, t, err := validateInputs(tokens, attentionMask, tokenTypeIDs)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(r.buildRequest(b, t, tokens, attentionMask, tokenTypeIDs))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "marshal encode request")
	}

	var resp *encodeResponse
	var lastErr error
	for attempt := 0; attempt <= r.retryMax; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying encoder request",
				logging.Int("attempt", attempt),
				logging.Err(lastErr))
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), errors.CodeInferenceTimeout, "encoder request canceled")
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		resp, lastErr = r.doEncode(ctx, body)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return r.toEncoding(resp, b, t)
}

func (r *RemoteEncoder) buildRequest(b, t int, tokens, attentionMask, tokenTypeIDs *tensor.Dense) *encodeRequest {
	ids := tokens.Data().([]int)
	mask := attentionMask.Data().([]float32)
	types := tokenTypeIDs.Data().([]float32)

	req := &encodeRequest{
		Model:         r.modelName,
		Tokens:        make([][]int, b),
		AttentionMask: make([][]float32, b),
		TokenTypeIDs:  make([][]float32, b),
	}
	for bi := 0; bi < b; bi++ {
		req.Tokens[bi] = ids[bi*t : (bi+1)*t]
		req.AttentionMask[bi] = mask[bi*t : (bi+1)*t]
		req.TokenTypeIDs[bi] = types[bi*t : (bi+1)*t]
	}
	return req
}

func (r *RemoteEncoder) doEncode(ctx context.Context, body []byte) (*encodeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/encode", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build encoder request")
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEncoderUnavailable, "encoder request failed")
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEncoderResponse, "read encoder response")
	}

	if httpResp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
			return nil, errors.New(statusToCode(httpResp.StatusCode),
				fmt.Sprintf("encoder returned %d: %s", httpResp.StatusCode, apiErr.Message))
		}
		return nil, errors.Newf(statusToCode(httpResp.StatusCode),
			"encoder returned status %d", httpResp.StatusCode)
	}

	var resp encodeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, errors.CodeEncoderResponse, "decode encoder response")
	}
	return &resp, nil
}

// toEncoding flattens the nested response into dense tensors and checks the
// advertised layer count and hidden size against the configuration.
func (r *RemoteEncoder) toEncoding(resp *encodeResponse, b, t int) (*Encoding, error) {
	if len(resp.HiddenStates) != r.numLayers {
		return nil, errors.Newf(errors.CodeEncoderResponse,
			"encoder returned %d layers, want %d", len(resp.HiddenStates), r.numLayers)
	}
	layers := make([]*tensor.Dense, r.numLayers)
	for li, layer := range resp.HiddenStates {
		if len(layer) != b {
			return nil, errors.Newf(errors.CodeEncoderResponse,
				"layer %d has batch size %d, want %d", li, len(layer), b)
		}
		backing := make([]float32, 0, b*t*r.hiddenDim)
		for bi, seq := range layer {
			if len(seq) != t {
				return nil, errors.Newf(errors.CodeEncoderResponse,
					"layer %d row %d has %d positions, want %d", li, bi, len(seq), t)
			}
			for ti, vec := range seq {
				if len(vec) != r.hiddenDim {
					return nil, errors.Newf(errors.CodeEncoderResponse,
						"layer %d position [%d,%d] has dim %d, want %d", li, bi, ti, len(vec), r.hiddenDim)
				}
				backing = append(backing, vec...)
			}
		}
		layers[li] = tensor.New(
			tensor.WithShape(b, t, r.hiddenDim),
			tensor.WithBacking(backing),
		)
	}
	return &Encoding{LayerStates: layers}, nil
}

func statusToCode(status int) errors.ErrorCode {
	switch {
	case status == http.StatusBadRequest:
		return errors.CodeInvalidInput
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.CodeInferenceTimeout
	case status >= 500:
		return errors.CodeEncoderUnavailable
	default:
		return errors.CodeEncoderResponse
	}
}

func retryable(err error) bool {
	return errors.IsCode(err, errors.CodeEncoderUnavailable) ||
		errors.IsCode(err, errors.CodeInferenceTimeout)
}
