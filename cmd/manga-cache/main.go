package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	swcache "github.com/jhin1m/manga-reader-sd-sub001"
	"github.com/jhin1m/manga-reader-sd-sub001/cache"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// settings come from the environment first; flags override.
type settings struct {
	Port      int    `env:"PORT" envDefault:"8080"`
	Origin    string `env:"ORIGIN"`
	DBFile    string `env:"CACHE_DB" envDefault:"cache.db"`
	Version   string `env:"CACHE_VERSION" envDefault:"v1"`
	RulesFile string `env:"RULES_FILE"`
	UpdateURL string `env:"UPDATE_URL"`
	LogFile   string `env:"LOG_FILE"`
	Trace     bool   `env:"TRACE"`
}

var (
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	versionFlag        string
	rulesFilenameFlag  string
	updateURLFlag      string
	logFilenameFlag    string
	verbosityTraceFlag bool
)

func init() {
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&versionFlag, "version", "", "Engine version identifier")
	flag.StringVar(&rulesFilenameFlag, "rules", "", "Path to yaml rules file")
	flag.StringVar(&updateURLFlag, "update-url", "", "URL serving the latest engine version")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	cfg, err := env.ParseAs[settings]()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse environment")
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if dbFilenameFlag != "" {
		cfg.DBFile = dbFilenameFlag
	}
	if versionFlag != "" {
		cfg.Version = versionFlag
	}
	if rulesFilenameFlag != "" {
		cfg.RulesFile = rulesFilenameFlag
	}
	if updateURLFlag != "" {
		cfg.UpdateURL = updateURLFlag
	}
	if logFilenameFlag != "" {
		cfg.LogFile = logFilenameFlag
	}
	if verbosityTraceFlag {
		cfg.Trace = true
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if cfg.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.LogFile != "" {
		if logFileOutput, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter)

	if cfg.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	dbFilename := cfg.DBFile
	if dbFilename == "memory" {
		dbFilename = ""
	}
	store, err := cache.NewSQLiteStore(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache store")
	}

	rules := swcache.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err = swcache.LoadRules(cfg.RulesFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load rules")
		}
	}

	engineConfig := swcache.Config{
		Store:     store,
		Version:   cfg.Version,
		Rules:     rules,
		OriginURL: originURL,
		Logger:    &log.Logger,
	}
	if cfg.UpdateURL != "" {
		engineConfig.UpdateSource = httpUpdateSource{url: cfg.UpdateURL}
	}

	engine := swcache.New(engineConfig)
	engine.Lifecycle().Install()
	engine.Lifecycle().Activate()

	r := chi.NewRouter()
	r.Post("/_swcache/message", messageHandler(engine.Bridge()))
	r.Handle("/*", engine)

	log.Info().Msgf("Caching port %v for %s (engine %s)", cfg.Port, originURL.String(), cfg.Version)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Port), r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// messageHandler adapts the bridge message channel to an HTTP endpoint for
// the hosting application and developer tooling.
func messageHandler(bridge *swcache.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "could not read message", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(bridge.Handle(raw))
	}
}

// httpUpdateSource reports the latest engine version from a deployment
// endpoint serving the version string as plain text.
type httpUpdateSource struct {
	url string
}

func (s httpUpdateSource) Latest() (string, error) {
	res, err := http.Get(s.url)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("update check returned status %d", res.StatusCode)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
