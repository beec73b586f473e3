package dataset_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/simengine/pkg/dataset"
)

func TestStubFetcher_FetchReturnsRegisteredContent(t *testing.T) {
	f := dataset.NewStubFetcher()
	f.Register("mem://agents", []byte(`[{"id":1}]`))

	got, err := f.Fetch(context.Background(), dataset.Ref{Name: "agents", Source: "mem://agents"})
	require.NoError(t, err)
	require.Equal(t, "agents", got.Name)
	require.JSONEq(t, `[{"id":1}]`, string(got.Data))
}

func TestStubFetcher_UnknownSourceFails(t *testing.T) {
	f := dataset.NewStubFetcher()
	_, err := f.Fetch(context.Background(), dataset.Ref{Name: "agents", Source: "mem://missing"})
	require.Error(t, err)
}

func TestStubFetcher_RawCSVIsConvertedToJSON(t *testing.T) {
	f := dataset.NewStubFetcher()
	f.Register("mem://agents.csv", []byte("1,alice\n2,bob\n"))

	got, err := f.Fetch(context.Background(), dataset.Ref{Name: "agents", Source: "mem://agents.csv", RawCSV: true})
	require.NoError(t, err)

	var rows [][]string
	require.NoError(t, json.Unmarshal(got.Data, &rows))
	require.Equal(t, [][]string{{"1", "alice"}, {"2", "bob"}}, rows)
}

func TestFetchAll_FailsWholeBatchOnAnyError(t *testing.T) {
	f := dataset.NewStubFetcher()
	f.Register("mem://a", []byte(`[]`))

	_, err := dataset.FetchAll(context.Background(), f, []dataset.Ref{
		{Name: "a", Source: "mem://a"},
		{Name: "b", Source: "mem://missing"},
	})
	require.Error(t, err)
}

func TestFetchAll_ResolvesAllRefs(t *testing.T) {
	f := dataset.NewStubFetcher()
	f.Register("mem://a", []byte(`[1]`))
	f.Register("mem://b", []byte(`[2]`))

	got, err := dataset.FetchAll(context.Background(), f, []dataset.Ref{
		{Name: "a", Source: "mem://a"},
		{Name: "b", Source: "mem://b"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestParseRawCSVToJSON_HandlesRaggedRows(t *testing.T) {
	out, err := dataset.ParseRawCSVToJSON([]byte("a,b,c\nd,e\n"))
	require.NoError(t, err)
	var rows [][]string
	require.NoError(t, json.Unmarshal(out, &rows))
	require.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e"}}, rows)
}
