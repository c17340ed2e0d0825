package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alatar/waitlist/services/waitlist-service/internal/api"
	"github.com/alatar/waitlist/services/waitlist-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "waitlist",
	Short: "Alatar waitlist service",
	Long:  "Accepts waitlist signups over HTTP and stores them in MongoDB or PostgreSQL",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the waitlist HTTP service",
	Long:  "Serves POST /api/waitlist and the health endpoints until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt, err := bootstrap(ctx, viper.GetViper())
		if err != nil {
			return err
		}
		defer rt.Close()
		log := rt.log

		if rt.cfg.Database.EnsureSchema {
			if err := ensureSchema(ctx, rt.manager); err != nil {
				// Not fatal: requests dial their own connections.
				log.WithError(err).Warn("could not ensure signup schema at startup")
			} else {
				log.Info("signup schema ensured")
			}
		}

		if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			gin.SetMode(gin.ReleaseMode)
		}

		server := api.NewServer(rt.cfg.Server, rt.router(ctx), log)

		// Handle graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		errChan := make(chan error, 1)
		go func() {
			errChan <- server.ListenAndServe()
		}()

		select {
		case sig := <-sigChan:
			log.WithField("signal", sig.String()).Info("shutting down gracefully")
			cancel()

			shutdownCtx, done := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("some requests did not complete before shutdown")
			}

			select {
			case err := <-errChan:
				return err
			case <-time.After(2 * time.Second):
				log.Warn("server did not stop within timeout")
			}
			return nil
		case err := <-errChan:
			return err
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Flags
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a config file (default ./config.yaml)")
	flags.String("database.driver", config.DriverMongo, "Storage backend: 'mongo' or 'postgres'")
	flags.String("database.url", "mongodb://localhost:27017", "Database connection URL")
	flags.String("database.name", "alatar-waitlist", "Mongo database name")
	flags.String("server.addr", ":8080", "HTTP listen address")
	flags.String("log.level", "info", "Log level")
	flags.String("redis.addr", "", "Redis address for shared outcome stats (empty keeps them in memory)")
	flags.Bool("ratelimit.enabled", false, "Rate limit POST /api/waitlist per client IP")

	// Bind flags to viper
	for _, name := range []string{
		"config",
		"database.driver",
		"database.url",
		"database.name",
		"server.addr",
		"log.level",
		"redis.addr",
		"ratelimit.enabled",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	if err := configure(viper.GetViper()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", used)
	}
}

// configure loads .env into the process environment, then points v at the
// config file and the environment. DATABASE_URL overrides database.url.
func configure(v *viper.Viper) error {
	_ = godotenv.Load()

	config.SetDefaults(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./services/waitlist-service")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
