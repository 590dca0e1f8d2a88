package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	names  []string
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.names = append(f.names, *in.Name)
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr("secret"), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " p ")
	require.NoError(t, err)
	require.Equal(t, "secret", v)
	require.Equal(t, []string{"p"}, api.names)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

type fakeGetter struct {
	values map[string]string
	calls  int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	v, ok := f.values[name]
	if !ok {
		return "", errors.New("parameter not found")
	}
	return v, nil
}

func TestResolver_PassesPlainValues(t *testing.T) {
	r := NewResolver(nil)
	v, err := r.Resolve(context.Background(), "sk-plain")
	require.NoError(t, err)
	require.Equal(t, "sk-plain", v)
}

func TestResolver_FetchesOnce(t *testing.T) {
	g := &fakeGetter{values: map[string]string{"/warden/key": "sk-ssm"}}
	r := NewResolver(g)
	for i := 0; i < 3; i++ {
		v, err := r.Resolve(context.Background(), "ssm:/warden/key")
		require.NoError(t, err)
		require.Equal(t, "sk-ssm", v)
	}
	require.Equal(t, 1, g.calls)
}

func TestResolver_UnwrapsTokenJSON(t *testing.T) {
	g := &fakeGetter{values: map[string]string{
		"/warden/token":  `{"token":"sk-from-json"}`,
		"/warden/prompt": `{"other":"value"}`,
	}}
	r := NewResolver(g)
	v, err := r.Resolve(context.Background(), "ssm:/warden/token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", v)

	v, err = r.Resolve(context.Background(), "ssm:/warden/prompt")
	require.NoError(t, err)
	require.Equal(t, `{"other":"value"}`, v)
}

func TestResolver_Errors(t *testing.T) {
	_, err := NewResolver(nil).Resolve(context.Background(), "ssm:/warden/key")
	require.ErrorContains(t, err, "no SSM client")

	_, err = NewResolver(&fakeGetter{}).Resolve(context.Background(), "ssm:/missing")
	require.ErrorContains(t, err, "not found")
}
