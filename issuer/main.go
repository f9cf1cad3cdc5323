package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/barnettlynn/felicatools/issuer/internal/config"
	"github.com/barnettlynn/felicatools/pkg/felicalite"
	"github.com/barnettlynn/felicatools/pkg/felicasim"
)

const configFileName = "config.yaml"

var defaultEmulatorIDm = felicalite.IDm{0x01, 0x2E, 0x4C, 0xD3, 0x5A, 0x11, 0x20, 0x0F}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	emulator := flag.Bool("emulator", false, "use a simulated blank card instead of a PC/SC reader")
	dfdFlag := flag.String("dfd", "", "DFD as 4 hex digits (overrides config)")
	keyVersionFlag := flag.Int("key-version", 0, "card key version 1..65535 (overrides config)")
	verifyMode := flag.Bool("verify", false, "verify the card key by MAC instead of issuing")
	dumpMode := flag.Bool("dump", false, "print all readable blocks instead of issuing")
	lockMode := flag.Bool("lock", false, "lock the system blocks of an issued card (irreversible)")
	flag.Parse()

	// Configure slog
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	modes := 0
	for _, set := range []bool{*verifyMode, *dumpMode, *lockMode} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		log.Fatalf("-verify, -dump and -lock are mutually exclusive")
	}

	// Load config
	configPath, err := defaultConfigPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	mode := config.ValidationFull
	if *emulator {
		mode = config.ValidationEmulator
	}
	cfg, err := config.LoadWithMode(configPath, mode)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	masterKey, err := felicalite.LoadMasterKeyHexFile(cfg.Keys.MasterKeyFile)
	if err != nil {
		log.Fatalf("master key file invalid: %v", err)
	}
	fmt.Printf("Master key: %s\n", cfg.Keys.MasterKeyFile)

	params, err := issueParamsFrom(cfg, strings.TrimSpace(*dfdFlag), *keyVersionFlag)
	if err != nil {
		log.Fatal(err)
	}

	var link felicalite.Link
	var sim *felicasim.Card
	if *emulator {
		idm := defaultEmulatorIDm
		if strings.TrimSpace(cfg.Emulator.IDm) != "" {
			raw, err := cfg.EmulatorIDm()
			if err != nil {
				log.Fatal(err)
			}
			idm = felicalite.IDm(raw)
		}
		sim = felicasim.NewBlank(idm)
		link = sim
		fmt.Printf("Emulator mode: simulated blank card %s\n", idm)
	} else {
		reader, err := felicalite.Dial(*cfg.Runtime.ReaderIndex)
		if err != nil {
			log.Fatal(err)
		}
		link = reader
		fmt.Printf("Using reader [%d]: %s\n", reader.Index, reader.Name)
	}

	err = withSession(link, func(sess *felicalite.Session) error {
		if sim != nil && (*verifyMode || *lockMode) {
			// A blank simulated card has nothing to verify or lock.
			fmt.Println("Emulator mode: issuing the simulated card first")
			if err := issueCard(sess, masterKey, params); err != nil {
				return err
			}
		}

		switch {
		case *dumpMode:
			return dumpCard(sess)
		case *verifyMode:
			return verifyCard(sess, masterKey)
		case *lockMode:
			return lockCard(sess, masterKey)
		default:
			return issueCard(sess, masterKey, params)
		}
	}, felicalite.WithLogger(slog.Default()))
	if err != nil {
		log.Fatal(err)
	}
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
