package foundry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	StrategyProject   = "project"
	StrategyOpenAI    = "openai"
	StrategyCognitive = "cognitive"
	StrategyRegional  = "regional"
)

// DefaultStrategyOrder is tried when no explicit order is configured.
var DefaultStrategyOrder = []string{StrategyProject, StrategyOpenAI, StrategyCognitive, StrategyRegional}

var ErrNoStrategies = errors.New("foundry: no usable transport strategy for the configured credentials")

// Strategy is one base-URL and auth-header shape for reaching the agent API.
type Strategy struct {
	Name       string
	BaseURL    string
	AuthHeader string
	AuthValue  string
}

// BuildStrategies expands the configured order into concrete strategies,
// skipping those the credentials cannot serve.
func BuildStrategies(opts Options) ([]Strategy, error) {
	names := opts.Strategies
	if len(names) == 0 {
		names = DefaultStrategyOrder
	}
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	resource := strings.TrimSpace(opts.Resource)
	if resource == "" {
		resource = resourceFromEndpoint(endpoint)
	}

	var out []Strategy
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case StrategyProject:
			if endpoint == "" {
				continue
			}
			s := Strategy{Name: StrategyProject, BaseURL: endpoint}
			switch {
			case opts.BearerToken != "":
				s.AuthHeader, s.AuthValue = "Authorization", "Bearer "+opts.BearerToken
			case opts.APIKey != "":
				s.AuthHeader, s.AuthValue = "api-key", opts.APIKey
			default:
				continue
			}
			out = append(out, s)
		case StrategyOpenAI:
			if resource == "" || opts.APIKey == "" {
				continue
			}
			out = append(out, Strategy{
				Name:       StrategyOpenAI,
				BaseURL:    fmt.Sprintf("https://%s.openai.azure.com/openai", resource),
				AuthHeader: "api-key",
				AuthValue:  opts.APIKey,
			})
		case StrategyCognitive:
			if resource == "" || opts.APIKey == "" {
				continue
			}
			out = append(out, Strategy{
				Name:       StrategyCognitive,
				BaseURL:    fmt.Sprintf("https://%s.cognitiveservices.azure.com/openai", resource),
				AuthHeader: "api-key",
				AuthValue:  opts.APIKey,
			})
		case StrategyRegional:
			if endpoint == "" || opts.APIKey == "" {
				continue
			}
			out = append(out, Strategy{
				Name:       StrategyRegional,
				BaseURL:    endpoint + "/assistants/v1",
				AuthHeader: "Ocp-Apim-Subscription-Key",
				AuthValue:  opts.APIKey,
			})
		default:
			return nil, fmt.Errorf("unknown transport strategy %q", name)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoStrategies
	}
	return out, nil
}

// resourceFromEndpoint extracts "myres" from https://myres.services.ai.azure.com/...
func resourceFromEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if !strings.HasSuffix(host, ".azure.com") {
		return ""
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

// fallsThrough reports whether a response status means "wrong shape, try the
// next strategy" rather than a real answer.
func fallsThrough(status int) bool {
	return status == 401 || status == 403 || status == 404
}
