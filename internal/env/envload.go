// Package env loads the project .env file once per process.
package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileOverride names an explicit .env path that skips the directory search.
const FileOverride = "DROIDFLEET_ENV_FILE"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads $DROIDFLEET_ENV_FILE, or else the nearest .env walking up from
// the working directory. Variables already set in the process win. Only the
// first call does any work.
func Ensure() error {
	// tests stay hermetic unless GOTEST_LOAD_DOTENV=1
	if underGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load()
	})
	return loadErr
}

// LoadedPath is the .env file Ensure loaded, or "".
func LoadedPath() string {
	return loadedPath
}

func load() (string, error) {
	path := strings.TrimSpace(os.Getenv(FileOverride))
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "locate working directory")
		}
		if path, err = nearestDotEnv(wd); err != nil {
			log.Debug().Err(err).Msg("droidfleet: search .env failed")
			return "", err
		}
	}
	if path == "" {
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("droidfleet: load .env failed")
		return "", errors.Wrapf(err, "load %s", path)
	}
	log.Debug().Str("dotenv", path).Msg("droidfleet: loaded .env")
	return path, nil
}

// nearestDotEnv returns the first regular .env file in dir or its ancestors.
func nearestDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", errors.Wrapf(err, "stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func underGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
