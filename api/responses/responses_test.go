package responses

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/types"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.APIError {
	t.Helper()
	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessStatus(w, http.StatusCreated, map[string]string{"order_id": "RZ-20260301-0000abcd"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"order_id":"RZ-20260301-0000abcd"}}`, w.Body.String())
}

func TestWriteErrorEnvelope(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		status      int
		code        pkgerrors.Code
		message     string
		retryable   bool
		wantDetails bool
	}{
		{
			name:        "validation keeps message and details",
			err:         pkgerrors.New(pkgerrors.CodeValidation, "bad input").WithDetails(map[string]string{"field": "sigla"}),
			status:      http.StatusBadRequest,
			code:        pkgerrors.CodeValidation,
			message:     "bad input",
			wantDetails: true,
		},
		{
			name:    "signature failure",
			err:     pkgerrors.New(pkgerrors.CodeSignatureInvalid, "hmac mismatch"),
			status:  http.StatusBadRequest,
			code:    pkgerrors.CodeSignatureInvalid,
			message: "hmac mismatch",
		},
		{
			name:      "in flight duplicate is retryable",
			err:       pkgerrors.New(pkgerrors.CodeInFlight, "payment request still running"),
			status:    http.StatusConflict,
			code:      pkgerrors.CodeInFlight,
			message:   "payment request still running",
			retryable: true,
		},
		{
			name:      "dependency hides cause",
			err:       pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("dial tcp 10.0.0.4:443"), "nexi order status"),
			status:    http.StatusServiceUnavailable,
			code:      pkgerrors.CodeDependency,
			message:   "dependency unavailable",
			retryable: true,
		},
		{
			name:      "untyped becomes internal",
			err:       errors.New("boom"),
			status:    http.StatusInternalServerError,
			code:      pkgerrors.CodeInternal,
			message:   "internal server error",
			retryable: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(t.Context(), nil, w, tc.err)

			assert.Equal(t, tc.status, w.Code)
			got := decodeError(t, w)
			assert.Equal(t, string(tc.code), got.Code)
			assert.Equal(t, tc.message, got.Message)
			assert.Equal(t, tc.retryable, got.Retryable)
			assert.Equal(t, tc.wantDetails, got.Details != nil)
		})
	}
}

func TestWriteErrorLogLevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "responses-test", Output: &buf})

	WriteError(t.Context(), logg, httptest.NewRecorder(), pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "request.rejected")

	buf.Reset()
	WriteError(t.Context(), logg, httptest.NewRecorder(), errors.New("boom"))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "request.error")
}
