package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"ckanloader/utils"
)

// EnvAPIKey environment variable that overrides the API key from the configuration file.
const EnvAPIKey = "CKAN_API_KEY"

// DefaultRequestTimeout applies to every catalog HTTP call unless the file overrides it.
const DefaultRequestTimeout = 90 * time.Second

// ArchiveExtension the file extension of input archives handled by this program.
const ArchiveExtension = ".zip"

// Config represents the application configuration defined through various sources
// such as command-line arguments, environment variables and a YAML file.
type Config struct {

	// ConfigFile the path of the YAML configuration file this configuration was loaded from.
	ConfigFile string

	// SourceDir the directory that accumulates input archives between runs.
	SourceDir string

	// StagingDir the transient working area; staged copies and extraction
	// directories live under it and are removed by cleanup.
	StagingDir string

	// ProcessedDir optional target of the archival move of successfully processed archives.
	ProcessedDir string

	// CkanURL base URL of the catalog service, e.g. "https://data.example.org".
	CkanURL string

	// CkanAPIKey static API key sent in the Authorization header.
	// The CKAN_API_KEY environment variable takes precedence over the file value.
	CkanAPIKey string

	// APIKeyFromEnv records where the API key came from, for the startup summary.
	APIKeyFromEnv bool

	// RequestTimeout fixed timeout of every single catalog HTTP call.
	RequestTimeout time.Duration

	// MoveProcessed enables the archival move of successfully processed archives.
	MoveProcessed bool

	// RelevantExtensions lowercase extensions (with leading dot) that survive the
	// post-extraction filter. Empty means all regular files are eligible.
	RelevantExtensions []string

	// ExtractNestedZips keeps nested archives in the eligible set. Recursive
	// extraction is not performed either way - enabling this only changes whether
	// nested archives are uploaded as opaque files.
	ExtractNestedZips bool

	// CreateOrganizations allows creating missing organizations. Requires an API key
	// with sysadmin privileges on the catalog side.
	CreateOrganizations bool

	// OrgPrefix prefix prepended to the derived slug when naming organizations.
	OrgPrefix string

	// S3Bucket when set, archives are read from this AWS S3 bucket instead of SourceDir.
	S3Bucket string

	// S3Prefix optional key prefix of the input archives within the bucket.
	S3Prefix string

	// S3ProcessedPrefix key prefix archived objects are moved under when MoveProcessed is set.
	S3ProcessedPrefix string

	// S3Region AWS region of the bucket.
	S3Region string

	// S3AccessKey optional static AWS credentials; when empty, the SDK's default chain applies.
	S3AccessKey string
	S3SecretKey string
}

// log a convenience wrapper to shorten code lines
var log = &utils.Logger

// Singleton initialization - it is lazy-loaded and thread-safe
var (
	// instance the actual configuration after checking all possible configuration sources
	instance *Config
	once     sync.Once
)

// GetConfig loads the configuration exactly once and terminates the program when it is invalid.
func GetConfig() *Config {
	once.Do(func() {
		// first read the command line arguments because they also configure the logger
		argsInstance := &Config{}
		configFile := argsInstance.loadFromArguments()

		conf, err := Load(configFile)
		if err != nil {
			log.Fatal("Invalid configuration", zap.Error(err))
		}
		conf.override(argsInstance) // some arguments can override file values
		if err := conf.Validate(); err != nil {
			log.Fatal("Invalid configuration", zap.Error(err))
		}
		instance = conf
	})
	return instance
}

// fileFormat mirrors the YAML layout of the configuration file.
type fileFormat struct {
	Paths struct {
		SourceDir    string `yaml:"source_dir"`
		StagingDir   string `yaml:"staging_dir"`
		ProcessedDir string `yaml:"processed_dir"`
	} `yaml:"paths"`
	Ckan struct {
		URL            string `yaml:"url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ckan"`
	S3 struct {
		Bucket          string `yaml:"bucket"`
		Prefix          string `yaml:"prefix"`
		ProcessedPrefix string `yaml:"processed_prefix"`
		Region          string `yaml:"region"`
		AccessKey       string `yaml:"access_key"`
		SecretKey       string `yaml:"secret_key"`
	} `yaml:"s3"`
	Pipeline struct {
		MoveProcessedFiles  bool     `yaml:"move_processed_files"`
		RelevantExtensions  []string `yaml:"relevant_extensions"`
		ExtractNestedZips   bool     `yaml:"extract_nested_zips"`
		CreateOrganizations bool     `yaml:"create_organizations"`
		OrgPrefix           string   `yaml:"org_prefix"`
	} `yaml:"pipeline"`
}

// Load reads the YAML configuration file and applies environment overrides.
// It does not validate directories or the URL - Validate does that separately
// so unit tests can exercise loading without touching the filesystem layout.
func Load(configFile string) (*Config, error) {
	content, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("Load(): failed to read the configuration file '%s': %w", configFile, err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(content, &ff); err != nil {
		return nil, fmt.Errorf("Load(): failed to parse YAML from '%s': %w", configFile, err)
	}

	conf := &Config{
		ConfigFile:          configFile,
		SourceDir:           ff.Paths.SourceDir,
		StagingDir:          ff.Paths.StagingDir,
		ProcessedDir:        ff.Paths.ProcessedDir,
		CkanURL:             strings.TrimSpace(ff.Ckan.URL),
		CkanAPIKey:          strings.TrimSpace(ff.Ckan.APIKey),
		RequestTimeout:      DefaultRequestTimeout,
		MoveProcessed:       ff.Pipeline.MoveProcessedFiles,
		RelevantExtensions:  normalizeExtensions(ff.Pipeline.RelevantExtensions),
		ExtractNestedZips:   ff.Pipeline.ExtractNestedZips,
		CreateOrganizations: ff.Pipeline.CreateOrganizations,
		OrgPrefix:           ff.Pipeline.OrgPrefix,
		S3Bucket:            ff.S3.Bucket,
		S3Prefix:            ff.S3.Prefix,
		S3ProcessedPrefix:   ff.S3.ProcessedPrefix,
		S3Region:            ff.S3.Region,
		S3AccessKey:         ff.S3.AccessKey,
		S3SecretKey:         ff.S3.SecretKey,
	}
	if ff.Ckan.TimeoutSeconds > 0 {
		conf.RequestTimeout = time.Duration(ff.Ckan.TimeoutSeconds) * time.Second
	}
	if conf.OrgPrefix == "" {
		conf.OrgPrefix = "org-"
	}

	conf.loadFromEnv()
	return conf, nil
}

// loadFromEnv applies environment variable overrides. A .env file next to the
// binary is honored first, the way local development setups expect.
func (c *Config) loadFromEnv() {
	_ = godotenv.Load() // missing .env is not an error

	if key := os.Getenv(EnvAPIKey); strings.TrimSpace(key) != "" {
		c.CkanAPIKey = strings.TrimSpace(key)
		c.APIKeyFromEnv = true
		log.Info("Loaded the catalog API key from the environment", zap.String("variable", EnvAPIKey))
	}
}

// normalizeExtensions lowercases the configured extensions and drops entries
// without a leading dot, the way the filter expects them.
func normalizeExtensions(exts []string) []string {
	seen := make(map[string]struct{})
	var ret []string
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || !strings.HasPrefix(ext, ".") {
			continue
		}
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		ret = append(ret, ext)
	}
	return ret
}

// UseS3 reports whether archives come from an S3 bucket rather than a local directory.
func (c *Config) UseS3() bool {
	return c.S3Bucket != ""
}

// Validate checks directories and the catalog URL, creating missing directories
// where that is safe. Returning an error here aborts the program before any
// archive is touched.
func (c *Config) Validate() error {
	if c.CkanURL == "" {
		return fmt.Errorf("Validate(): 'ckan.url' is required")
	}
	u, err := url.Parse(c.CkanURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("Validate(): invalid 'ckan.url' '%s': must be a http(s) URL", c.CkanURL)
	}
	if c.CkanAPIKey == "" {
		log.Warn("The catalog API key is empty - authenticated calls will fail")
	} else if !c.APIKeyFromEnv {
		log.Warn("The catalog API key was loaded from the configuration file - " +
			"prefer the " + EnvAPIKey + " environment variable")
	}

	if c.StagingDir == "" {
		return fmt.Errorf("Validate(): 'paths.staging_dir' is required")
	}
	c.StagingDir = filepath.Clean(c.StagingDir)
	if err := ensureDirectory("staging", c.StagingDir, true); err != nil {
		return err
	}

	if !c.UseS3() {
		if c.SourceDir == "" {
			return fmt.Errorf("Validate(): 'paths.source_dir' is required unless 's3.bucket' is set")
		}
		c.SourceDir = filepath.Clean(c.SourceDir)
		if err := ensureDirectory("source", c.SourceDir, false); err != nil {
			return err
		}
	} else if c.S3Region == "" {
		return fmt.Errorf("Validate(): 's3.region' is required when 's3.bucket' is set")
	}

	if c.MoveProcessed {
		if c.UseS3() {
			if c.S3ProcessedPrefix == "" {
				log.Warn("'move_processed_files' is enabled but 's3.processed_prefix' is not set - " +
					"processed archives will NOT be moved")
				c.MoveProcessed = false
			}
		} else if c.ProcessedDir == "" {
			log.Warn("'move_processed_files' is enabled but 'paths.processed_dir' is not set - " +
				"processed archives will NOT be moved")
			c.MoveProcessed = false
		} else {
			c.ProcessedDir = filepath.Clean(c.ProcessedDir)
			if err := ensureDirectory("processed", c.ProcessedDir, true); err != nil {
				return err
			}
		}
	}

	if c.CreateOrganizations {
		log.Warn("'create_organizations' is enabled - the configured API key must have sysadmin privileges")
	}
	return nil
}

// ensureDirectory verifies the path is an existing directory, creating it when allowed.
func ensureDirectory(purpose, dir string, create bool) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if !create {
			return fmt.Errorf("ensureDirectory(): %s directory '%s' does not exist", purpose, dir)
		}
		log.Warn("Directory does not exist, creating it",
			zap.String("purpose", purpose), zap.String("dir", dir))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensureDirectory(): failed to create %s directory '%s': %w", purpose, dir, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("ensureDirectory(): failed to access %s directory '%s': %w", purpose, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ensureDirectory(): %s path '%s' is not a directory", purpose, dir)
	}
	return nil
}

// loadFromArguments Define command-line flags. Returns the configuration file path.
func (c *Config) loadFromArguments() string {
	// First we define the structure of the command line arguments - before actually parsing them.
	// Don't try to initialize any configurations here because it will not work before flag.Parse()
	jsonLogs := flag.Bool("json-logs", false,
		"Enable production JSON-formatted logs (false by default)")
	verboseLogs := flag.Bool("verbose", false,
		"Enable verbose DEBUG-level logging (false by default)")
	developmentLogs := flag.Bool("dev-logs", false,
		"Enable development logs formatting with time stamps and source files (false by default)")
	traceLogs := flag.Bool("trace", false,
		"Enable TRACE-level logging of single archive entries and requests (false by default)")

	configFile := flag.String("config", "config.yaml",
		"Path to the YAML configuration file (default: 'config.yaml')")

	sourceDir := flag.String("dir", "",
		"Local directory with the input archives (overrides 'paths.source_dir' from the configuration file)")

	// Parse the flags
	flag.Parse()

	// the logger initialization should happen first of all
	utils.InitLogger(jsonLogs != nil && *jsonLogs, developmentLogs != nil && *developmentLogs,
		verboseLogs != nil && *verboseLogs, traceLogs != nil && *traceLogs)

	flag.Usage = func() {
		_, err := fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		if err != nil {
			return
		}
		flag.PrintDefaults()
	}

	// only now we can actually read the command line arguments and use them
	if isNotBlank(sourceDir) {
		c.SourceDir = *sourceDir
	}
	if isNotBlank(configFile) {
		return *configFile
	}
	return "config.yaml"
}

// override updates the current Config instance's fields by overriding them with non-zero values
// from another Config instance.
func (c *Config) override(argsInstance *Config) {
	v := reflect.ValueOf(argsInstance).Elem()
	t := reflect.TypeOf(argsInstance).Elem()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanInterface() {
			continue
		}

		// Get the corresponding field in the original 'c' structure
		cField := reflect.ValueOf(c).Elem().FieldByName(fieldType.Name)

		// Check if the field exists and is settable
		if cField.IsValid() && cField.CanSet() {
			switch field.Kind() {
			case reflect.String:
				if field.String() != "" {
					cField.Set(field)
				}
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				if field.Int() != 0 {
					cField.Set(field)
				}
			case reflect.Map, reflect.Slice:
				if !field.IsNil() {
					cField.Set(field)
				}
			case reflect.Bool:
				if field.Bool() {
					cField.Set(field)
				}
			case reflect.Ptr:
				if !field.IsNil() {
					cField.Set(field)
				}
			default:
				panic("unhandled default case")
			}
		}
	}
}

// isNotBlank checks if the provided string pointer is non-nil and its trimmed value is not empty.
func isNotBlank(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
