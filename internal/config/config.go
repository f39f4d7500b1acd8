package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/barryq93/promPSQL/internal/types"
	"github.com/barryq93/promPSQL/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	DefaultScrapeInterval     = 1800 * time.Second
	DefaultQueryTimeout       = 10 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultBackoffInterval    = 10 * time.Second
	DefaultMaxBackoffInterval = 300 * time.Second
	DefaultPort               = 5432

	// EncryptionKeyEnv is consulted when defaults.encryption_key is empty.
	EncryptionKeyEnv = "PSQL_EXPORTER_ENCRYPTION_KEY"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type Config struct {
	Defaults Defaults          `yaml:"defaults"`
	Sources  map[string]Source `yaml:"sources"`
}

// Cascade holds settings inherited global -> source -> database.
// Zero values mean "inherit".
type Cascade struct {
	ScrapeInterval       time.Duration `yaml:"scrape_interval"`
	QueryTimeout         time.Duration `yaml:"query_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	BackoffInterval      time.Duration `yaml:"backoff_interval"`
	MaxBackoffInterval   time.Duration `yaml:"max_backoff_interval"`
	MetricExpirationTime time.Duration `yaml:"metric_expiration_time"`
	MetricPrefix         *string       `yaml:"metric_prefix"`
	SSLMode              string        `yaml:"sslmode"`
	SSLRootCert          string        `yaml:"sslrootcert"`
	SSLCert              string        `yaml:"sslcert"`
	SSLKey               string        `yaml:"sslkey"`
}

type Defaults struct {
	Cascade       `yaml:",inline"`
	EncryptionKey string `yaml:"encryption_key"`
}

type Source struct {
	Cascade   `yaml:",inline"`
	Host      string     `yaml:"host"`
	Port      int        `yaml:"port"`
	User      string     `yaml:"user"`
	Password  string     `yaml:"password"`
	Databases []Database `yaml:"databases"`
}

type Database struct {
	Cascade `yaml:",inline"`
	DBName  string  `yaml:"dbname"`
	Queries []Query `yaml:"queries"`
}

type Query struct {
	Query                string            `yaml:"query"`
	MetricName           string            `yaml:"metric_name"`
	Description          string            `yaml:"description"`
	MetricPrefix         *string           `yaml:"metric_prefix"`
	ScrapeInterval       time.Duration     `yaml:"scrape_interval"`
	QueryTimeout         time.Duration     `yaml:"query_timeout"`
	MetricExpirationTime time.Duration     `yaml:"metric_expiration_time"`
	ConstLabels          map[string]string `yaml:"const_labels"`
	VarLabels            []string          `yaml:"var_labels"`
	Values               Values            `yaml:"values"`
}

// Values holds exactly one of the three mapping kinds.
type Values struct {
	Single        *SingleField   `yaml:"single"`
	MultiLabels   []LabeledField `yaml:"multi_labels"`
	MultiSuffixes []SuffixField  `yaml:"multi_suffixes"`
}

type SingleField struct {
	Field string `yaml:"field"`
	Type  string `yaml:"type"`
}

type LabeledField struct {
	Field  string            `yaml:"field"`
	Type   string            `yaml:"type"`
	Labels map[string]string `yaml:"labels"`
}

type SuffixField struct {
	Field  string `yaml:"field"`
	Type   string `yaml:"type"`
	Suffix string `yaml:"suffix"`
}

// Load reads and strictly decodes a YAML config file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to load config file '%s': %w", filename, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// An empty document is a valid config with no sources.
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	return &cfg, nil
}

// LoadTargets loads filename and resolves it into targets.
func LoadTargets(filename string) ([]types.DatabaseTarget, error) {
	cfg, err := Load(filename)
	if err != nil {
		return nil, err
	}
	return cfg.Resolve()
}

// settings is the effective cascade at one level of the hierarchy.
type settings struct {
	scrapeInterval     time.Duration
	queryTimeout       time.Duration
	connectTimeout     time.Duration
	backoffInterval    time.Duration
	maxBackoffInterval time.Duration
	expiration         time.Duration
	prefix             string
	sslmode            string
	rootCert           string
	cert               string
	key                string
}

func builtinSettings() settings {
	return settings{
		scrapeInterval:     DefaultScrapeInterval,
		queryTimeout:       DefaultQueryTimeout,
		connectTimeout:     DefaultConnectTimeout,
		backoffInterval:    DefaultBackoffInterval,
		maxBackoffInterval: DefaultMaxBackoffInterval,
		sslmode:            string(types.SSLModePrefer),
	}
}

// with returns a copy of s overridden by the non-zero fields of c.
func (s settings) with(c Cascade) settings {
	if c.ScrapeInterval != 0 {
		s.scrapeInterval = c.ScrapeInterval
	}
	if c.QueryTimeout != 0 {
		s.queryTimeout = c.QueryTimeout
	}
	if c.ConnectTimeout != 0 {
		s.connectTimeout = c.ConnectTimeout
	}
	if c.BackoffInterval != 0 {
		s.backoffInterval = c.BackoffInterval
	}
	if c.MaxBackoffInterval != 0 {
		s.maxBackoffInterval = c.MaxBackoffInterval
	}
	if c.MetricExpirationTime != 0 {
		s.expiration = c.MetricExpirationTime
	}
	if c.MetricPrefix != nil {
		s.prefix = *c.MetricPrefix
	}
	if c.SSLMode != "" {
		s.sslmode = c.SSLMode
	}
	if c.SSLRootCert != "" {
		s.rootCert = c.SSLRootCert
	}
	if c.SSLCert != "" {
		s.cert = c.SSLCert
	}
	if c.SSLKey != "" {
		s.key = c.SSLKey
	}
	return s
}

// Resolve applies defaults and environment substitution and returns
// read-only targets ordered by source name. The receiver is not modified.
func (c *Config) Resolve() ([]types.DatabaseTarget, error) {
	key := c.Defaults.EncryptionKey
	if key == "" {
		key = os.Getenv(EncryptionKeyEnv)
	}

	global := builtinSettings().with(c.Defaults.Cascade)

	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	var targets []types.DatabaseTarget
	for _, name := range names {
		src := c.Sources[name]
		sourceSettings := global.with(src.Cascade)
		for _, db := range src.Databases {
			target, err := resolveDatabase(name, src, db, sourceSettings.with(db.Cascade), key)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", name, err)
			}
			targets = append(targets, target)
		}
	}
	return targets, nil
}

func resolveDatabase(sourceName string, src Source, db Database, s settings, key string) (types.DatabaseTarget, error) {
	var err error
	t := types.DatabaseTarget{
		Port:               src.Port,
		ConnectTimeout:     s.connectTimeout,
		BackoffInterval:    s.backoffInterval,
		MaxBackoffInterval: s.maxBackoffInterval,
	}
	if t.Port == 0 {
		t.Port = DefaultPort
	}

	fields := []struct {
		dst *string
		src string
	}{
		{&t.Host, src.Host},
		{&t.User, src.User},
		{&t.Password, src.Password},
		{&t.DBName, db.DBName},
		{&t.TLS.RootCert, s.rootCert},
		{&t.TLS.Cert, s.cert},
		{&t.TLS.Key, s.key},
	}
	for _, f := range fields {
		if *f.dst, err = substituteEnv(f.src); err != nil {
			return t, err
		}
	}
	if t.Password, err = utils.DecryptValue(key, t.Password); err != nil {
		return t, fmt.Errorf("failed to decrypt password: %w", err)
	}
	t.Name = sourceName + "/" + t.DBName

	if t.Host == "" {
		return t, fmt.Errorf("host must be set")
	}
	if t.DBName == "" {
		return t, fmt.Errorf("dbname must be set")
	}
	if t.SSLMode, err = types.ParseSSLMode(s.sslmode); err != nil {
		return t, fmt.Errorf("database %s: %w", t.DBName, err)
	}
	if (t.TLS.Cert == "") != (t.TLS.Key == "") {
		return t, fmt.Errorf("database %s: client certificate and private key should be defined together", t.DBName)
	}
	if t.BackoffInterval <= 0 || t.MaxBackoffInterval < t.BackoffInterval {
		return t, fmt.Errorf("database %s: max_backoff_interval must be >= backoff_interval > 0", t.DBName)
	}

	for i, q := range db.Queries {
		qs, err := resolveQuery(q, s)
		if err != nil {
			return t, fmt.Errorf("database %s, query #%d: %w", t.DBName, i+1, err)
		}
		t.Queries = append(t.Queries, qs)
	}
	return t, nil
}

func resolveQuery(q Query, s settings) (types.QuerySpec, error) {
	if strings.TrimSpace(q.Query) == "" {
		return types.QuerySpec{}, fmt.Errorf("query must be set")
	}
	if q.MetricName == "" {
		return types.QuerySpec{}, fmt.Errorf("metric_name must be set")
	}

	qs := types.QuerySpec{
		Query:                q.Query,
		ScrapeInterval:       s.scrapeInterval,
		Timeout:              s.queryTimeout,
		MetricExpirationTime: s.expiration,
		ConstLabels:          copyMap(q.ConstLabels),
		VarLabels:            append([]string(nil), q.VarLabels...),
	}
	if q.ScrapeInterval != 0 {
		qs.ScrapeInterval = q.ScrapeInterval
	}
	if q.QueryTimeout != 0 {
		qs.Timeout = q.QueryTimeout
	}
	if q.MetricExpirationTime != 0 {
		qs.MetricExpirationTime = q.MetricExpirationTime
	}
	if qs.ScrapeInterval <= 0 || qs.Timeout <= 0 || qs.MetricExpirationTime < 0 {
		return qs, fmt.Errorf("%s: intervals and timeouts must be positive", q.MetricName)
	}
	if qs.Timeout < time.Millisecond {
		return qs, fmt.Errorf("%s: query_timeout must be at least 1ms, got %s", q.MetricName, qs.Timeout)
	}

	prefix := s.prefix
	if q.MetricPrefix != nil {
		prefix = *q.MetricPrefix
	}
	qs.MetricName = q.MetricName
	if prefix != "" {
		qs.MetricName = prefix + "_" + q.MetricName
	}
	qs.Description = q.Description
	if qs.Description == "" {
		qs.Description = qs.MetricName
	}

	values, err := resolveValues(q.Values)
	if err != nil {
		return qs, fmt.Errorf("%s: %w", qs.MetricName, err)
	}
	qs.Values = values
	return qs, nil
}

func resolveValues(v Values) (types.ValueMapping, error) {
	set := 0
	if v.Single != nil {
		set++
	}
	if v.MultiLabels != nil {
		set++
	}
	if v.MultiSuffixes != nil {
		set++
	}
	switch {
	case set > 1:
		return types.ValueMapping{}, fmt.Errorf("only one of single, multi_labels, multi_suffixes may be set")
	case set == 0:
		return types.ValueMapping{Kind: types.MappingSingle, Fields: []types.ValueField{{Type: types.FieldInt}}}, nil
	}

	var m types.ValueMapping
	switch {
	case v.Single != nil:
		ft, err := parseFieldType(v.Single.Type)
		if err != nil {
			return m, err
		}
		m.Kind = types.MappingSingle
		m.Fields = []types.ValueField{{Field: v.Single.Field, Type: ft}}
	case v.MultiLabels != nil:
		if len(v.MultiLabels) == 0 {
			return m, fmt.Errorf("multi_labels must not be empty")
		}
		m.Kind = types.MappingMultiLabel
		for _, f := range v.MultiLabels {
			ft, err := parseFieldType(f.Type)
			if err != nil {
				return m, err
			}
			if f.Field == "" || len(f.Labels) == 0 {
				return m, fmt.Errorf("multi_labels entries need field and labels")
			}
			m.Fields = append(m.Fields, types.ValueField{Field: f.Field, Type: ft, Labels: copyMap(f.Labels)})
		}
	default:
		if len(v.MultiSuffixes) == 0 {
			return m, fmt.Errorf("multi_suffixes must not be empty")
		}
		m.Kind = types.MappingMultiSuffix
		for _, f := range v.MultiSuffixes {
			ft, err := parseFieldType(f.Type)
			if err != nil {
				return m, err
			}
			if f.Field == "" || f.Suffix == "" {
				return m, fmt.Errorf("multi_suffixes entries need field and suffix")
			}
			m.Fields = append(m.Fields, types.ValueField{Field: f.Field, Type: ft, Suffix: f.Suffix})
		}
	}
	return m, nil
}

func parseFieldType(s string) (types.FieldType, error) {
	switch strings.ToLower(s) {
	case "", "int":
		return types.FieldInt, nil
	case "float":
		return types.FieldFloat, nil
	default:
		return types.FieldInt, fmt.Errorf("unknown value type %q", s)
	}
}

// substituteEnv expands ${VAR} references; undefined variables are an error.
func substituteEnv(input string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(input, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("some environment variable(s) not defined: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
