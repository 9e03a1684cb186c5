package config

// Defaults returns the configuration produced by an empty environment.
func Defaults() *Config {
	cfg, err := FromMap(nil)
	if err != nil {
		// Only reachable when an envDefault tag is malformed.
		panic(err)
	}
	return cfg
}
