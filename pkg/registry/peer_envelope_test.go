package registry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	eid := model.NewEID()
	env := Envelope{EID: eid, Octad: &model.Octad{EID: eid, Semantic: &model.SemanticPayload{}}}

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, eid, decoded.EID)
	require.NotNil(t, decoded.Octad)
	assert.Equal(t, eid, decoded.Octad.EID)
}

func TestHTTPPeerFetcherFetchesOctad(t *testing.T) {
	eid := model.NewEID()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := DecodeEnvelope(body)
		require.NoError(t, err)

		resp, err := EncodeEnvelope(Envelope{EID: req.EID, Octad: &model.Octad{EID: req.EID}})
		require.NoError(t, err)
		w.Write(resp)
	}))
	defer srv.Close()

	fetch := NewHTTPPeerFetcher(srv.Client(), func(string) string { return srv.URL }, "/fetch")
	octad, err := fetch(context.Background(), "peer-1", eid)
	require.NoError(t, err)
	require.NotNil(t, octad)
	assert.Equal(t, eid, octad.EID)
}

func TestHTTPPeerFetcherPropagatesPeerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := EncodeEnvelope(Envelope{Err: "entity not found"})
		w.Write(resp)
	}))
	defer srv.Close()

	fetch := NewHTTPPeerFetcher(srv.Client(), func(string) string { return srv.URL }, "/fetch")
	_, err := fetch(context.Background(), "peer-1", model.NewEID())
	assert.Error(t, err)
}
