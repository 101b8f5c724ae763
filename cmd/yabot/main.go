package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/carlostoek/yabot/coordinator"
	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/internal/version"
	"github.com/carlostoek/yabot/metrics"
	"github.com/carlostoek/yabot/plugin/gamification"
	"github.com/carlostoek/yabot/plugin/lucien"
	"github.com/carlostoek/yabot/plugin/telegram"
	"github.com/carlostoek/yabot/server"
	"github.com/carlostoek/yabot/services/narrative"
	"github.com/carlostoek/yabot/services/subscription"
	"github.com/carlostoek/yabot/services/user"
	"github.com/carlostoek/yabot/store"
	"github.com/carlostoek/yabot/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "yabot",
	Short: `A multi-tenant Telegram bot backend: dual-store user state, narrative progression, subscriptions and an event bus that degrades gracefully.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution; a systemd unit
		// carries its environment in the unit file instead.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if driver := viper.GetString("driver"); driver != "" {
			instanceProfile.RelationalDriver = driver
		}
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		setupLogger(instanceProfile.Mode)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		docDriver := db.NewDocumentDriver(instanceProfile)
		relDriver, err := db.NewRelationalDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create relational driver", "error", err)
			return
		}

		storeInstance := store.New(docDriver, relDriver, instanceProfile)
		if err := storeInstance.ConnectAll(ctx); err != nil {
			slog.Error("failed to connect stores", "error", err)
			return
		}
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}

		m := metrics.New(metrics.Config{})

		bus, err := eventbus.NewBus(instanceProfile, m)
		if err != nil {
			slog.Error("failed to create event bus", "error", err)
			return
		}
		if err := bus.Connect(ctx); err != nil {
			slog.Error("failed to start event bus", "error", err)
			return
		}

		usersService := user.New(storeInstance, bus)
		subsService := subscription.New(storeInstance, bus)
		narrService := narrative.New(storeInstance, bus)

		buffer := coordinator.NewBuffer(bus, 0, m)
		coord := coordinator.New(storeInstance, usersService, subsService, narrService, buffer, bus, m)
		narrService.SetVIPChecker(coord)

		if instanceProfile.GamificationAPIURL != "" {
			client := gamification.NewClient(
				instanceProfile.GamificationAPIURL,
				time.Duration(instanceProfile.GamificationTimeoutSeconds)*time.Second,
				m,
			)
			gamification.NewUnlocker(storeInstance, client, bus).Register(bus)
		}

		var sender lucien.Sender
		if instanceProfile.BotToken != "" {
			tg, err := telegram.New(instanceProfile.BotToken)
			if err != nil {
				slog.Error("failed to create telegram sender", "error", err)
				return
			}
			sender = tg
		} else {
			slog.Warn("BOT_TOKEN not set, outbound messages go to the log")
			sender = consoleSender{}
		}
		messenger := lucien.New(storeInstance, bus, sender, instanceProfile.BotName, m)
		scanner := lucien.NewScanner(messenger, 0)
		scanner.Start(ctx)
		lucien.NewNotifier(messenger, storeInstance).Register(bus)

		srv := server.New(instanceProfile, storeInstance, usersService, coord, bus, m)

		c := make(chan os.Signal, 1)
		// SIGTERM is what most process managers send first; treat it the
		// same as CTRL-C.
		signal.Notify(c, terminationSignals...)

		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("http server stopped", "error", err)
				cancel()
			}
		}()

		printGreetings(instanceProfile)

		go func() {
			<-c
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("http server shutdown", "error", err)
			}
			cancel()
		}()

		<-ctx.Done()
		scanner.Wait()
		if err := bus.Close(); err != nil {
			slog.Error("closing event bus", "error", err)
		}
		if err := storeInstance.Close(); err != nil {
			slog.Error("closing stores", "error", err)
		}
	},
}

// setupLogger installs the default slog handler: JSON in prod, text
// with debug level everywhere else.
func setupLogger(mode string) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if mode == "prod" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// consoleSender logs outbound messages instead of delivering them, so
// dev and demo modes run without Telegram credentials.
type consoleSender struct{}

func (consoleSender) Send(_ context.Context, userID, content string) error {
	slog.Info("outbound message", "user_id", userID, "content", content)
	return nil
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8081)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8081, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "", "relational driver (sqlite, postgres), overrides YABOT_RELATIONAL_DRIVER")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("yabot")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("yabot %s started\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Relational driver: %s\n", profile.RelationalDriver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	if len(profile.Addr) == 0 {
		fmt.Printf("Admin API on port %d\n", profile.Port)
	} else {
		fmt.Printf("Admin API on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
