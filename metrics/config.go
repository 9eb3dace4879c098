package metrics

// Config 指标配置
//
//	metrics:
//	  enabled: true
//	  service_name: "mediacore"
//	  version: "v0.1.0"
//	  port: 9090
//	  path: "/metrics"
type Config struct {
	// Enabled 为 false 时 New 返回 no-op Meter
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Version     string `mapstructure:"version" yaml:"version"`
	// Port 大于 0 时启动独立的抓取端点
	Port int    `mapstructure:"port" yaml:"port"`
	Path string `mapstructure:"path" yaml:"path"`
}

func (c *Config) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "mediacore"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}
