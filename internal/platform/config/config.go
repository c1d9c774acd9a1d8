package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultMoMoEndpoint    = "https://test-payment.momo.vn"
	defaultMoMoRequestType = "captureWallet"

	defaultZaloPayEndpoint = "https://sb-openapi.zalopay.vn"
	defaultZaloPayAppUser  = "vietcart"

	defaultGHNEndpoint      = "https://dev-online-gateway.ghn.vn"
	defaultGHNServiceTypeID = 2
	defaultGHNWeightGrams   = 500

	defaultReconcileSchedule    = "*/5 * * * *"
	defaultReconcileConcurrency = 10
	defaultReconcileBatchLimit  = 500
	defaultAutoConfirmGrace     = 48 * time.Hour

	defaultOrderEventsTopic = "order-events"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	PubSub    PubSubConfig
	MoMo      MoMoConfig
	ZaloPay   ZaloPayConfig
	GHN       GHNConfig
	Reconcile ReconcileConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	EmulatorHost    string
}

// PubSubConfig names the topics order events are published to.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
	EmulatorHost     string
}

// MoMoConfig carries MoMo gateway credentials and endpoints.
type MoMoConfig struct {
	PartnerCode     string
	AccessKey       string
	SecretKey       string
	Endpoint        string
	RedirectURL     string
	IPNURL          string
	RequestType     string
	SimulateRefunds bool
}

// ZaloPayConfig carries ZaloPay gateway credentials and endpoints.
type ZaloPayConfig struct {
	AppID           int
	Key1            string
	Key2            string
	Endpoint        string
	CallbackURL     string
	AppUser         string
	SimulateRefunds bool
}

// GHNConfig carries shipping-fee provider credentials and shop origin.
type GHNConfig struct {
	Endpoint       string
	Token          string
	ShopID         int
	FromDistrictID int
	ServiceTypeID  int
	WeightGrams    int
}

// ReconcileConfig controls the payment reconciliation loop.
type ReconcileConfig struct {
	Schedule         string
	Concurrency      int
	BatchLimit       int
	AutoConfirmGrace time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match the config field names recorded by the loader
// (e.g. "MoMo.SecretKey" or "ZaloPay.Key2").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIRESTORE_CREDENTIALS_FILE", ""),
			EmulatorHost:    stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
			EmulatorHost:     stringWithDefault(lookup, "API_PUBSUB_EMULATOR_HOST", ""),
		},
		MoMo: MoMoConfig{
			PartnerCode:     stringWithDefault(lookup, "API_MOMO_PARTNER_CODE", ""),
			AccessKey:       stringWithDefault(lookup, "API_MOMO_ACCESS_KEY", ""),
			SecretKey:       stringWithDefault(lookup, "API_MOMO_SECRET_KEY", ""),
			Endpoint:        stringWithDefault(lookup, "API_MOMO_ENDPOINT", defaultMoMoEndpoint),
			RedirectURL:     stringWithDefault(lookup, "API_MOMO_REDIRECT_URL", ""),
			IPNURL:          stringWithDefault(lookup, "API_MOMO_IPN_URL", ""),
			RequestType:     stringWithDefault(lookup, "API_MOMO_REQUEST_TYPE", defaultMoMoRequestType),
			SimulateRefunds: boolWithDefault(lookup, "API_MOMO_SIMULATE_REFUNDS", false),
		},
		ZaloPay: ZaloPayConfig{
			AppID:           intWithDefault(lookup, "API_ZALOPAY_APP_ID", 0),
			Key1:            stringWithDefault(lookup, "API_ZALOPAY_KEY1", ""),
			Key2:            stringWithDefault(lookup, "API_ZALOPAY_KEY2", ""),
			Endpoint:        stringWithDefault(lookup, "API_ZALOPAY_ENDPOINT", defaultZaloPayEndpoint),
			CallbackURL:     stringWithDefault(lookup, "API_ZALOPAY_CALLBACK_URL", ""),
			AppUser:         stringWithDefault(lookup, "API_ZALOPAY_APP_USER", defaultZaloPayAppUser),
			SimulateRefunds: boolWithDefault(lookup, "API_ZALOPAY_SIMULATE_REFUNDS", false),
		},
		GHN: GHNConfig{
			Endpoint:       stringWithDefault(lookup, "API_GHN_ENDPOINT", defaultGHNEndpoint),
			Token:          stringWithDefault(lookup, "API_GHN_TOKEN", ""),
			ShopID:         intWithDefault(lookup, "API_GHN_SHOP_ID", 0),
			FromDistrictID: intWithDefault(lookup, "API_GHN_FROM_DISTRICT_ID", 0),
			ServiceTypeID:  intWithDefault(lookup, "API_GHN_SERVICE_TYPE_ID", defaultGHNServiceTypeID),
			WeightGrams:    intWithDefault(lookup, "API_GHN_WEIGHT_GRAMS", defaultGHNWeightGrams),
		},
		Reconcile: ReconcileConfig{
			Schedule:         stringWithDefault(lookup, "API_RECONCILE_SCHEDULE", defaultReconcileSchedule),
			Concurrency:      intWithDefault(lookup, "API_RECONCILE_CONCURRENCY", defaultReconcileConcurrency),
			BatchLimit:       intWithDefault(lookup, "API_RECONCILE_BATCH_LIMIT", defaultReconcileBatchLimit),
			AutoConfirmGrace: durationWithDefault(lookup, "API_RECONCILE_AUTO_CONFIRM_GRACE", defaultAutoConfirmGrace),
		},
	}

	// PubSub project defaults to the Firestore project when unspecified.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolvedSecrets := make(map[string]string)
	recordSecret := func(name, value string) {
		resolvedSecrets[name] = strings.TrimSpace(value)
	}
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		recordSecret(name, resolved)
		return nil
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []struct {
		name  string
		field *string
	}{
		{"MoMo.AccessKey", &cfg.MoMo.AccessKey},
		{"MoMo.SecretKey", &cfg.MoMo.SecretKey},
		{"ZaloPay.Key1", &cfg.ZaloPay.Key1},
		{"ZaloPay.Key2", &cfg.ZaloPay.Key2},
		{"GHN.Token", &cfg.GHN.Token},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	// Gateways are optional, but partially configured credentials are a
	// deployment mistake rather than an intentional opt-out.
	if cfg.MoMo.PartnerCode != "" {
		if cfg.MoMo.AccessKey == "" {
			missing = append(missing, "MoMo.AccessKey")
		}
		if cfg.MoMo.SecretKey == "" {
			missing = append(missing, "MoMo.SecretKey")
		}
	}
	if cfg.ZaloPay.AppID != 0 {
		if cfg.ZaloPay.Key1 == "" {
			missing = append(missing, "ZaloPay.Key1")
		}
		if cfg.ZaloPay.Key2 == "" {
			missing = append(missing, "ZaloPay.Key2")
		}
	}
	if cfg.GHN.Token != "" {
		if cfg.GHN.ShopID <= 0 {
			missing = append(missing, "GHN.ShopID")
		}
		if cfg.GHN.FromDistrictID <= 0 {
			missing = append(missing, "GHN.FromDistrictID")
		}
	}
	if strings.TrimSpace(cfg.Reconcile.Schedule) == "" {
		missing = append(missing, "Reconcile.Schedule")
	}
	if cfg.Reconcile.Concurrency <= 0 {
		missing = append(missing, "Reconcile.Concurrency")
	}
	if cfg.Reconcile.BatchLimit <= 0 {
		missing = append(missing, "Reconcile.BatchLimit")
	}
	if cfg.Reconcile.AutoConfirmGrace <= 0 {
		missing = append(missing, "Reconcile.AutoConfirmGrace")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
