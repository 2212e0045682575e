package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/config"
)

func TestLoadRequiresWireHost(t *testing.T) {
	_, err := config.Load("")
	require.Error(t, err)
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := &config.Config{
		Wire:  config.WireConfig{Host: "news.example.org", Port: 563, TLS: true},
		Segment: config.SegmentConfig{SizeBytes: 786432, Redundancy: 1},
		Store: config.StoreConfig{Backend: config.BackendEmbedded, EmbeddedPath: "/tmp/x.db"},
		Posting: config.PostingConfig{Groups: []string{"alt.binaries.test"}},
	}
	require.NoError(t, config.Validate(cfg))
}

func TestValidateRejectsServerBackendWithoutDSN(t *testing.T) {
	cfg := &config.Config{
		Wire:    config.WireConfig{Host: "news.example.org", Port: 563},
		Segment: config.SegmentConfig{SizeBytes: 786432, Redundancy: 1},
		Store:   config.StoreConfig{Backend: config.BackendServer},
		Posting: config.PostingConfig{Groups: []string{"alt.binaries.test"}},
	}
	require.Error(t, config.Validate(cfg))
}
