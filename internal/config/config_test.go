package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate_RejectsTLSAndMTLSTogether(t *testing.T) {
	cfg := &Config{AdapterName: "TEST", EAMode: "writer", TLSEnabled: true, MTLSEnabled: true}
	require.Error(t, cfg.Validate())
}

func TestValidate_MTLSRequiresKeyMaterial(t *testing.T) {
	cfg := &Config{AdapterName: "TEST", EAMode: "writer", MTLSEnabled: true}
	require.Error(t, cfg.Validate())

	cfg.TLSPrivateKey, cfg.TLSPublicKey, cfg.TLSCA = "key", "cert", "ca"
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsLowercaseAdapterName(t *testing.T) {
	cfg := &Config{AdapterName: "test", EAMode: "writer"}
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownMode(t *testing.T) {
	cfg := &Config{AdapterName: "TEST", EAMode: "bogus"}
	require.Error(t, cfg.Validate())
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{AdapterName: "TEST", EAMode: "reader-writer"}
	require.NoError(t, cfg.Validate())
}
