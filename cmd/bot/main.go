package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"voicetime/internal/classify"
	"voicetime/internal/config"
	"voicetime/internal/database"
	"voicetime/internal/discord"
	"voicetime/internal/report"
	"voicetime/internal/session"
	"voicetime/internal/tracker"
	"voicetime/pkg/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	db, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Create repository
	repository := database.NewRepository(db)

	// Session store: Redis-backed when configured and reachable, in-process
	// fallback always present. The cache only speeds up restart recovery.
	memory := session.NewMemoryStore()
	var store session.Store = memory
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable, running with in-process session store: %v", err)
		} else {
			store = session.NewDualStore(session.NewRedisStore(client, cfg.StaleAfter), memory)
		}
	}

	// Build the tracking engine
	accumulator := tracker.New(store, repository, tracker.Options{
		ExcludedChannels: cfg.ExcludedChannels,
		ExemptGroups:     cfg.ExemptGroups,
		AwayMarker:       cfg.AwayMarker,
		FlushInterval:    cfg.FlushInterval,
	})
	recovery := tracker.NewRecovery(store, repository, accumulator, cfg.StaleAfter)

	// Initialize Discord bot
	bot, err := discord.New(cfg.DiscordToken, cfg.GuildID, cfg.TrackedGroups,
		cfg.ExemptGroups, cfg.AwayMarker, repository, accumulator, recovery)
	if err != nil {
		log.Fatalf("Failed to create Discord bot: %v", err)
	}
	accumulator.SetChannels(bot)

	classifier := classify.New(repository, accumulator)
	scheduler := report.New(classifier, bot, logRenderer{}, cfg.TrackedGroups, cfg.ReportPeriod)

	ctx, cancel := context.WithCancel(context.Background())
	go accumulator.Run(ctx)
	go scheduler.Run(ctx)

	// Start bot
	if err := bot.Start(); err != nil {
		log.Fatalf("Failed to start bot: %v", err)
	}

	// Wait for interrupt signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Println("Shutting down bot...")
	cancel()
	if err := accumulator.Close(cfg.ShutdownGrace); err != nil {
		log.Printf("Final flush failed: %v", err)
	}
	if err := bot.Stop(); err != nil {
		log.Printf("Failed to stop bot: %v", err)
	}
}

// logRenderer is the default report sink: it summarizes each classification
// to the operator log. Real rendering lives outside the engine.
type logRenderer struct{}

func (logRenderer) RenderReport(_ context.Context, result classify.Result) error {
	log.Printf("report: group=%s min_hours=%.1f exempt=%d active=%d inactive=%d",
		result.GroupName, result.MinHours,
		len(result.Exempt), len(result.Active), len(result.Inactive))
	for _, m := range result.Inactive {
		log.Printf("report: inactive %s total=%s", m.DisplayName, utils.FormatDuration(m.LiveMs))
	}
	return nil
}
