package types

import (
	"fmt"
	"time"
)

// SSLMode is the TLS posture of a database connection.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// ParseSSLMode validates a textual sslmode.
func ParseSSLMode(s string) (SSLMode, error) {
	switch m := SSLMode(s); m {
	case SSLModeDisable, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return m, nil
	case "":
		return SSLModePrefer, nil
	default:
		return "", fmt.Errorf("unknown sslmode %q", s)
	}
}

// FieldType is the numeric kind of a mapped value.
type FieldType int

const (
	FieldInt FieldType = iota
	FieldFloat
)

func (t FieldType) String() string {
	if t == FieldFloat {
		return "float"
	}
	return "int"
}

// MappingKind selects how result columns become metric values.
type MappingKind int

const (
	MappingSingle MappingKind = iota
	MappingMultiLabel
	MappingMultiSuffix
)

func (k MappingKind) String() string {
	switch k {
	case MappingMultiLabel:
		return "multi_labels"
	case MappingMultiSuffix:
		return "multi_suffixes"
	default:
		return "single"
	}
}

// ValueField describes one gauge produced by a query.
// Field is empty only for the single mapping, meaning column 0.
// Labels is used by multi_labels, Suffix by multi_suffixes.
type ValueField struct {
	Field  string
	Type   FieldType
	Labels map[string]string
	Suffix string
}

// ValueMapping is the resolved value mapping of a query.
type ValueMapping struct {
	Kind   MappingKind
	Fields []ValueField
}

// QuerySpec is a fully resolved query definition.
type QuerySpec struct {
	Query                string
	MetricName           string
	Description          string
	Timeout              time.Duration
	ScrapeInterval       time.Duration
	MetricExpirationTime time.Duration
	ConstLabels          map[string]string
	VarLabels            []string
	Values               ValueMapping
}

// TLSFiles holds optional certificate material paths.
type TLSFiles struct {
	RootCert string
	Cert     string
	Key      string
}

// HasClientCert reports whether a client certificate is configured.
func (f TLSFiles) HasClientCert() bool {
	return f.Cert != ""
}

// DatabaseTarget is one PostgreSQL database to scrape.
type DatabaseTarget struct {
	Name               string
	Host               string
	Port               int
	DBName             string
	User               string
	Password           string
	SSLMode            SSLMode
	TLS                TLSFiles
	ConnectTimeout     time.Duration
	BackoffInterval    time.Duration
	MaxBackoffInterval time.Duration
	Queries            []QuerySpec
}

// String never includes the password.
func (t DatabaseTarget) String() string {
	return fmt.Sprintf("host: %s, port: %d, user: %s, dbname: %s", t.Host, t.Port, t.User, t.DBName)
}
