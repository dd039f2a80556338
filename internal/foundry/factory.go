package foundry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type Mode string

const (
	ModeRemote Mode = "remote"
	ModeMock   Mode = "mock"
	ModeLocal  Mode = "local"
)

// Settings choose and configure the API implementation.
type Settings struct {
	Mode         Mode
	Fallback     Mode // empty disables fallback
	Remote       Options
	Model        ModelConfig
	ProbeTimeout time.Duration
}

// Backend is the API the service talks to, plus what health reporting needs
// to know about how it was chosen.
type Backend struct {
	API      API
	Mode     Mode
	Fallback bool
	Remote   *Client // nil unless the remote client could be built
	ProbeErr error
}

// Source labels replies for the UI: "azure" when the hosted agent answered,
// "fallback" otherwise.
func (b *Backend) Source() string {
	if b.Mode == ModeRemote && !b.Fallback {
		return "azure"
	}
	return "fallback"
}

// HealthMode mirrors Source for the health endpoint.
func (b *Backend) HealthMode() string {
	return b.Source()
}

// ClientReady reports whether a remote client exists and its probe succeeded.
func (b *Backend) ClientReady() bool {
	return b.Remote != nil && b.ProbeErr == nil
}

// Transport names the selected remote strategy, if any.
func (b *Backend) Transport() string {
	if b.Remote == nil {
		return ""
	}
	return b.Remote.Transport()
}

// NewBackend builds the API for the configured mode. In remote mode the
// transport is probed once; when the probe fails and a fallback is set, turns
// are served by the fallback while the remote client stays available for
// health and proxy.
func NewBackend(ctx context.Context, s Settings) (*Backend, error) {
	switch s.Mode {
	case ModeMock:
		return &Backend{API: NewMockAPI(), Mode: ModeMock}, nil
	case ModeLocal:
		api, err := NewLocalAPI(ctx, s.Model)
		if err != nil {
			return nil, err
		}
		return &Backend{API: api, Mode: ModeLocal}, nil
	case ModeRemote, "":
	default:
		return nil, fmt.Errorf("unsupported foundry mode: %s", s.Mode)
	}

	b := &Backend{Mode: ModeRemote}
	client, err := NewClient(s.Remote)
	if err != nil {
		b.ProbeErr = err
	} else {
		b.Remote = client
		b.API = client
		timeout := s.ProbeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		b.ProbeErr = client.Probe(probeCtx)
		cancel()
	}
	if b.ProbeErr == nil {
		log.Info().Str("transport", client.Transport()).Msg("foundry remote agent reachable")
		return b, nil
	}

	if s.Fallback == "" {
		if b.Remote == nil {
			return nil, b.ProbeErr
		}
		log.Warn().Err(b.ProbeErr).Msg("foundry probe failed, continuing without fallback")
		return b, nil
	}

	log.Warn().Err(b.ProbeErr).Str("fallback", string(s.Fallback)).Msg("foundry probe failed, using fallback")
	switch s.Fallback {
	case ModeMock:
		b.API = NewMockAPI()
	case ModeLocal:
		api, err := NewLocalAPI(ctx, s.Model)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		b.API = api
	default:
		return nil, fmt.Errorf("unsupported foundry fallback: %s", s.Fallback)
	}
	b.Fallback = true
	return b, nil
}
