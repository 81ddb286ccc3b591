package s3blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"https://e2.example.com", false, "https://e2.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"r2.example.com", true, "https://r2.example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normaliseEndpoint(tt.endpoint, tt.ssl), tt.endpoint)
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "ledger/opened/1-2.jsonl", (&Client{}).objectKey("ledger/opened/1-2.jsonl"))
	assert.Equal(t, "prod/ledger/opened/1-2.jsonl", (&Client{prefix: "prod"}).objectKey("/ledger/opened/1-2.jsonl"))
}
