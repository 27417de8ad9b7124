package main

import (
	"database/sql"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stratumdb/stratum/core"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine",
		RunE:  runServe,
	}
	cmd.Flags().String("db", "", "database/sql DSN for the row store (empty = in-memory)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := buildLogger(cmd)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	var eng *core.Engine
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return err
		}
		log.Info("row store connected", zap.String("driver", "pgx"))
		if eng, err = core.NewWithDB(conf, db, core.OptionSetLogger(log)); err != nil {
			return err
		}
	} else {
		log.Warn("running on the in-memory row store; data will not persist")
		if eng, err = core.NewInMemory(conf, core.OptionSetLogger(log)); err != nil {
			return err
		}
	}
	defer eng.Close()

	log.Info("engine started",
		zap.String("version", version),
		zap.String("default_database", conf.DefaultDatabase))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

// loadConfig reads the config file plus STRATUM_-prefixed environment
// variables into the engine config.
func loadConfig(cmd *cobra.Command) (*core.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	conf := &core.Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func buildLogger(cmd *cobra.Command) (*zap.Logger, error) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
