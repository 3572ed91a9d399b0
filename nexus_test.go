package erpc

import (
	"strings"
	"testing"
)

func TestNexusURI(t *testing.T) {
	params := DefaultParams()
	params.SMUDPPort = 0
	n, err := NewNexus(params)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if !strings.HasPrefix(n.URI(), "127.0.0.1:") {
		t.Errorf("URI = %q, want host:port on the management host", n.URI())
	}
	if strings.HasSuffix(n.URI(), ":0") {
		t.Error("URI should reflect the bound ephemeral port, not 0")
	}
	if n.InstanceID() == "" {
		t.Error("nexus should carry an instance identity")
	}
}

func TestNexusRejectsBadHost(t *testing.T) {
	params := DefaultParams()
	params.SMHost = "not-an-address"
	if _, err := NewNexus(params); !IsCode(err, ErrCodeInvalidParameters) {
		t.Fatalf("expected InvalidParameters, got %v", err)
	}
}

func TestNexusRejectsDuplicateEndpointID(t *testing.T) {
	cluster, err := NewLoopbackCluster(DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	defer cluster.Close()

	rec := &SMRecorder{}
	ep, _, err := cluster.NewEndpoint(5, rec.Handler())
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	if _, _, err := cluster.NewEndpoint(5, rec.Handler()); !IsCode(err, ErrCodeInvalidParameters) {
		t.Fatalf("expected duplicate ID rejection, got %v", err)
	}

	// The ID frees up again after Close.
	if err := ep.Close(); err != nil {
		t.Fatal(err)
	}
	ep2, _, err := cluster.NewEndpoint(5, rec.Handler())
	if err != nil {
		t.Fatalf("ID should be reusable after close: %v", err)
	}
	defer ep2.Close()
}

func TestNexusCloseIsIdempotent(t *testing.T) {
	params := DefaultParams()
	params.SMUDPPort = 0
	n, err := NewNexus(params)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
