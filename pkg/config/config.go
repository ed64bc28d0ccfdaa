// Package config provides the mailgram configuration, sourced from the
// environment with an optional YAML alias file.
package config

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	prefix      = "mailgram"
	tableFormat = `Mailgram is configured via the environment. The following environment
variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`
)

var (
	// Version of this build, set by main
	Version = ""

	// BuildDate for this build, set by main
	BuildDate = ""
)

// Root wraps all other configurations.
type Root struct {
	LogLevel string `required:"true" default:"info" desc:"debug, info, warn, or error"`
	SMTP     SMTP
	Telegram Telegram
	Relay    Relay
	Web      Web
	Stats    Stats
}

// SMTP contains the SMTP server configuration.
type SMTP struct {
	Addr            string        `required:"true" default:"0.0.0.0:1025" desc:"SMTP server IP4 host:port"`
	Domain          string        `required:"true" default:"mailgram" desc:"HELO domain"`
	MaxRecipients   int           `required:"true" default:"50" desc:"Maximum RCPT TO per message"`
	MaxIdle         time.Duration `required:"true" default:"300s" desc:"Idle network timeout"`
	MaxMessageBytes int           `required:"true" default:"104857600" desc:"Maximum message size"`
	TLSEnabled      bool          `required:"true" default:"false" desc:"Enable STARTTLS option"`
	TLSPrivKey      string        `desc:"X509 private key file for TLS support"`
	TLSCert         string        `desc:"X509 public certificate file for TLS support"`
	ForceTLS        bool          `default:"false" desc:"Listen for TLS connections only"`
	Debug           bool          `ignored:"true"`
}

// Telegram contains the Bot API client configuration.
type Telegram struct {
	Token   string        `required:"true" desc:"Telegram bot token"`
	APIRoot string        `required:"true" default:"https://api.telegram.org" desc:"Bot API root URL"`
	Timeout time.Duration `required:"true" default:"90s" desc:"Bot API request timeout"`
}

// Relay contains the mail to chat relay configuration.
type Relay struct {
	LocalDomains   []string      `required:"true" default:"example.com" desc:"Domains accepted for chat delivery"`
	AliasFile      string        `desc:"YAML file mapping recipient names to chat addresses"`
	MaxAttempts    int           `required:"true" default:"3" desc:"Send attempts per remote call"`
	RetryBaseDelay time.Duration `required:"true" default:"1s" desc:"Initial retry backoff delay"`
	RetryMaxDelay  time.Duration `required:"true" default:"30s" desc:"Maximum retry backoff delay"`
	HistorySize    int           `required:"true" default:"500" desc:"Processed messages kept in memory"`
}

// Web contains the status HTTP server configuration.
type Web struct {
	Enabled bool   `required:"true" default:"false" desc:"Serve status pages over HTTP?"`
	Addr    string `required:"true" default:"0.0.0.0:9000" desc:"Status server IP4 host:port"`
}

// Stats contains the periodic statistics reporting configuration.
type Stats struct {
	AdminChatID string        `desc:"Chat receiving periodic stats reports"`
	Interval    time.Duration `required:"true" default:"1h" desc:"Interval between stats reports"`
}

// Process loads and parses configuration from the environment.
func Process() (*Root, error) {
	c := &Root{}
	err := envconfig.Process(prefix, c)
	return c, err
}

// LoadAliases reads the recipient alias map from a YAML file.  An empty path
// yields an empty map.
func LoadAliases(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias file: %w", err)
	}
	aliases := make(map[string]string)
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("failed to parse alias file: %w", err)
	}
	return aliases, nil
}

// Usage prints out the envconfig usage to Stderr.
func Usage() {
	tabs := tabwriter.NewWriter(os.Stderr, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(prefix, &Root{}, tabs, tableFormat); err != nil {
		log.Fatalf("Unable to parse env config: %v", err)
	}
	tabs.Flush()
}
