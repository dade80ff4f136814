package config

// IdentityConfig describes the signing identity.
type IdentityConfig struct {
	SecretKey     string `mapstructure:"secret_key"`      // 64 hex chars (ed25519 seed)
	SecretKeyFile string `mapstructure:"secret_key_file"` // file containing the hex key
	Persist       bool   `mapstructure:"persist"`         // write a generated key to secret_key_file
}
