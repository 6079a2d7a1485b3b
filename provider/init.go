package provider

import (
	"go.uber.org/zap"

	"arbor/config"
	"arbor/model"
)

// FromConfig creates the configured provider. The API key comes from the
// environment variable named by provider.api_key_env, then the credential
// store.
func FromConfig(cfg *config.Config, creds *config.CredentialStore, logger *zap.Logger) (model.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pcfg := Config{
		Type:    MapProviderIDToType(cfg.Provider.Type),
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
	}
	if pcfg.Type != ProviderTypeOllama {
		pcfg.APIKey = cfg.APIKey(creds)
		// The Ollama default URL means nothing to a cloud provider.
		if pcfg.BaseURL == config.DefaultUserConfig().Provider.BaseURL {
			pcfg.BaseURL = ""
		}
	}

	p, err := NewProvider(pcfg)
	if err != nil {
		logger.Warn("provider init failed",
			zap.String("provider", string(pcfg.Type)),
			zap.Error(err))
		return nil, err
	}
	logger.Info("provider initialized",
		zap.String("provider", string(pcfg.Type)),
		zap.String("model", p.GetModel()))
	return p, nil
}
