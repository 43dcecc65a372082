package helpers

import (
	"testing"

	"github.com/nimbusgrid/iotbroker/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestParseSortMapsAliasesToCanonicalField(t *testing.T) {
	allowed := map[string]string{"network": "NetworkCode", "addr": "NetworkAddr", "created": "CreatedAt"}

	entries, err := ParseSort("network:asc,addr:desc", allowed)
	require.NoError(t, err)
	require.Equal(t, []storage.SortEntry{
		{Field: "NetworkCode", Desc: false},
		{Field: "NetworkAddr", Desc: true},
	}, entries)
}

func TestParseSortRejectsUnknownAlias(t *testing.T) {
	allowed := map[string]string{"created": "CreatedAt"}

	_, err := ParseSort("NetworkAddr:asc", allowed)
	require.Error(t, err)
}

func TestParseSortRejectsBadDirection(t *testing.T) {
	allowed := map[string]string{"created": "CreatedAt"}

	_, err := ParseSort("created:sideways", allowed)
	require.Error(t, err)
}

func TestParseSortEmptyRaw(t *testing.T) {
	entries, err := ParseSort("", map[string]string{"created": "CreatedAt"})
	require.NoError(t, err)
	require.Nil(t, entries)
}
