package main

import (
	"log"

	"github.com/slack-go/slack"
)

func main() {
	cfg := LoadConfig()

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Store ready at %s", cfg.DBPath)

	api := slack.New(
		cfg.SlackBotToken,
		slack.OptionAppLevelToken(cfg.SlackAppToken),
	)

	metrics := NewMetrics()
	sessions := NewSessionManager(store, metrics)
	jira := NewJiraClient(cfg)
	detector := NewDuplicateDetector(jira, cfg)
	reconciler := NewTicketReconciler(store, sessions, detector, jira, metrics, cfg)

	StartSweepScheduler(cfg, store)

	bot := NewBot(cfg, api, sessions, reconciler, metrics)
	log.Println("Starting feedback collector bot...")
	if err := bot.Start(); err != nil {
		log.Fatalf("Slack bot terminated: %v", err)
	}
}
