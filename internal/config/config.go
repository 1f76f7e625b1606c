package config

import (
	"github.com/caarlos0/env/v6"
)

// Secrets are only ever read from the environment, never from argv, so they
// stay out of process listings. Everything operational is a cli flag.
type Secrets struct {
	ProviderKey string `env:"KAMPANJ_PROVIDER_KEY"`
	BearerToken string `env:"KAMPANJ_API_BEARER_TOKEN"`
}

func Load() (Secrets, error) {
	var s Secrets
	err := env.Parse(&s)
	return s, err
}
