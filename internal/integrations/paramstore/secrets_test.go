package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// mapGetter serves parameters from a map; missing names are left out.
type mapGetter map[string]string

func (m mapGetter) GetParameters(_ context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, n := range names {
		if v, ok := m[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

type errGetter struct{ err error }

func (e errGetter) GetParameters(context.Context, []string) (map[string]string, error) {
	return nil, e.err
}

func requiredParams() mapGetter {
	return mapGetter{
		"/relay" + VerifyTokenParam:   `{"token":"verify-me"}`,
		"/relay" + WhatsAppTokenParam: `{"token":"wa-token","phone_number_id":"555"}`,
		"/relay" + ConversionParam:    `{"pixel_id":"px","token":"capi-token"}`,
	}
}

func TestLoadSecrets_RequiredOnly(t *testing.T) {
	s, err := LoadSecrets(context.Background(), requiredParams(), "/relay/")
	require.NoError(t, err)
	require.Equal(t, "verify-me", s.VerifyToken)
	require.Equal(t, "wa-token", s.WhatsAppToken)
	require.Equal(t, "555", s.PhoneNumberID)
	require.Equal(t, "px", s.PixelID)
	require.Equal(t, "capi-token", s.CAPIToken)
	require.Empty(t, s.AppSecret)
	require.Empty(t, s.TestEventCode)
	require.Nil(t, s.ServiceAccountJSON)
}

func TestLoadSecrets_WithOptional(t *testing.T) {
	g := requiredParams()
	g["/relay"+AppSecretParam] = `{"token":"app-secret"}`
	g["/relay"+ConversionParam] = `{"pixel_id":"px","token":"capi-token","test_event_code":"TEST1"}`
	g["/relay"+ServiceAccountParam] = `{"type":"service_account","client_email":"x@y"}`

	s, err := LoadSecrets(context.Background(), g, "/relay")
	require.NoError(t, err)
	require.Equal(t, "app-secret", s.AppSecret)
	require.Equal(t, "TEST1", s.TestEventCode)
	require.JSONEq(t, `{"type":"service_account","client_email":"x@y"}`, string(s.ServiceAccountJSON))
}

func TestLoadSecrets_MissingRequired(t *testing.T) {
	g := requiredParams()
	delete(g, "/relay"+WhatsAppTokenParam)
	_, err := LoadSecrets(context.Background(), g, "/relay")
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), WhatsAppTokenParam)
}

func TestLoadSecrets_InvalidValues(t *testing.T) {
	g := requiredParams()
	g["/relay"+VerifyTokenParam] = `not-json`
	_, err := LoadSecrets(context.Background(), g, "/relay")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")

	g = requiredParams()
	g["/relay"+ConversionParam] = `{"pixel_id":"px"}`
	_, err = LoadSecrets(context.Background(), g, "/relay")
	require.Error(t, err)
	require.Contains(t, err.Error(), "pixel_id and token")

	g = requiredParams()
	g["/relay"+ServiceAccountParam] = `{broken`
	_, err = LoadSecrets(context.Background(), g, "/relay")
	require.Error(t, err)
	require.Contains(t, err.Error(), "service account")
}

func TestLoadSecrets_Arguments(t *testing.T) {
	_, err := LoadSecrets(context.Background(), nil, "/relay")
	require.Error(t, err)
	_, err = LoadSecrets(context.Background(), requiredParams(), " / ")
	require.Error(t, err)
}

func TestLoadSecrets_BackendError(t *testing.T) {
	_, err := LoadSecrets(context.Background(), errGetter{err: errors.New("AccessDenied")}, "/relay")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "AccessDenied")
}

func TestLoadSecrets_InvalidAppSecret(t *testing.T) {
	g := requiredParams()
	g["/relay"+AppSecretParam] = `app-secret`
	_, err := LoadSecrets(context.Background(), g, "/relay")
	require.ErrorContains(t, err, "unmarshal")
}

func TestLoadSecrets_ThroughClient(t *testing.T) {
	api := &fakeAPI{params: requiredParams()}
	client, err := New(api)
	require.NoError(t, err)

	s, err := LoadSecrets(context.Background(), client, "/relay")
	require.NoError(t, err)
	require.Equal(t, "verify-me", s.VerifyToken)
	require.Len(t, api.batches, 1)
	require.Len(t, api.batches[0], 5)
}
