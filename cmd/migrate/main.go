package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"convodesk/internal/config"
	"convodesk/internal/models"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.Contact{},
		&models.Queue{},
		&models.Agent{},
		&models.AgentQueue{},
		&models.Tag{},
		&models.TicketTag{},
		&models.Ticket{},
		&models.Message{},
		&models.SatisfactionSurvey{},
		&models.AutomationRule{},
		&models.AutomationLog{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_status_created ON tickets(status, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_agent_status ON tickets(agent_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_queue_status ON tickets(queue_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_ticket_created ON messages(ticket_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_logs_rule_created ON automation_logs(rule_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_logs_trigger_status ON automation_logs(trigger, status)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	var supportQueue models.Queue
	if err := db.Where("name = ?", "Support").First(&supportQueue).Error; err != nil {
		supportQueue = models.Queue{Name: "Support", Color: "#1e88e5"}
		db.Create(&supportQueue)
		log.Println("Created default Support queue")
	}

	var billingQueue models.Queue
	if err := db.Where("name = ?", "Billing").First(&billingQueue).Error; err != nil {
		billingQueue = models.Queue{Name: "Billing", Color: "#43a047"}
		db.Create(&billingQueue)
		log.Println("Created default Billing queue")
	}

	var urgentTag models.Tag
	if err := db.Where("name = ?", "urgent").First(&urgentTag).Error; err != nil {
		urgentTag = models.Tag{Name: "urgent", Color: "#e53935"}
		db.Create(&urgentTag)
		log.Println("Created urgent tag")
	}

	var demoAgent models.Agent
	if err := db.Where("email = ?", "agent@example.com").First(&demoAgent).Error; err != nil {
		demoAgent = models.Agent{Name: "Demo Agent", Email: "agent@example.com", IsActive: true}
		db.Create(&demoAgent)
		db.Create(&models.AgentQueue{AgentID: demoAgent.ID, QueueID: supportQueue.ID})
		log.Println("Created demo agent in Support queue")
	}

	var welcomeRule models.AutomationRule
	if err := db.Where("name = ?", "Route new tickets to Support").First(&welcomeRule).Error; err != nil {
		welcomeRule = models.AutomationRule{
			Name:        "Route new tickets to Support",
			Description: "Send every freshly created ticket to the Support queue",
			Trigger:     models.TriggerTicketCreated,
			IsActive:    true,
			Priority:    10,
			Conditions:  `[]`,
			Actions:     fmt.Sprintf(`[{"type":"assign_queue","queueId":%d}]`, supportQueue.ID),
		}
		db.Create(&welcomeRule)
		log.Println("Created sample automation rule")
	}
}
