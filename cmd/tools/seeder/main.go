package main

import (
	"database/sql"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"

	"github.com/noah-isme/backend-contest/internal/app"
	"github.com/noah-isme/backend-contest/internal/refcode"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedSchools(db)
	seedEvents(db)
	seedFAQs(db)

	log.Println("Seeding completed successfully!")
}

func seedSchools(db *sql.DB) {
	schools := []struct {
		name  string
		email string
	}{
		{"Springdale Public School", "admin@springdale.example"},
		{"Riverside Academy", "office@riverside.example"},
	}

	for _, s := range schools {
		hash, err := app.HashPassword("changeme123")
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		code, err := refcode.SchoolCode()
		if err != nil {
			log.Fatalf("Failed to generate school code: %v", err)
		}
		_, err = db.Exec(`
			INSERT INTO schools (code, name, email, password_hash)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email) DO NOTHING;
		`, code, s.name, s.email, hash)
		if err != nil {
			log.Fatalf("Failed to seed school %s: %v", s.email, err)
		}
		log.Printf("Seeded school %s (%s)", s.name, code)
	}
}

func seedEvents(db *sql.DB) {
	now := time.Now()
	events := []struct {
		slug        string
		name        string
		description string
		baseFee     int64
		currency    string
		rules       [][2]int // min_students, percent_bps
	}{
		{
			slug:        "national-science-olympiad-2026",
			name:        "National Science Olympiad 2026",
			description: "Annual inter-school science olympiad for grades 6-12.",
			baseFee:     30000,
			currency:    "INR",
			rules:       [][2]int{{10, 500}, {25, 1000}, {50, 1500}},
		},
		{
			slug:        "international-math-challenge-2026",
			name:        "International Math Challenge 2026",
			description: "Global mathematics contest with regional finals.",
			baseFee:     1500,
			currency:    "USD",
			rules:       [][2]int{{20, 750}},
		},
	}

	for _, e := range events {
		var eventID string
		err := db.QueryRow(`
			INSERT INTO events (slug, name, description, base_fee, currency, opens_at, closes_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
			RETURNING id;
		`, e.slug, e.name, e.description, e.baseFee, e.currency, now, now.AddDate(0, 3, 0)).Scan(&eventID)
		if err != nil {
			log.Fatalf("Failed to seed event %s: %v", e.slug, err)
		}
		for _, rule := range e.rules {
			_, err := db.Exec(`
				INSERT INTO discount_rules (event_id, min_students, percent_bps)
				VALUES ($1, $2, $3)
				ON CONFLICT (event_id, min_students) DO UPDATE SET percent_bps = EXCLUDED.percent_bps;
			`, eventID, rule[0], rule[1])
			if err != nil {
				log.Fatalf("Failed to seed discount rule for %s: %v", e.slug, err)
			}
		}
		log.Printf("Seeded event %s with %d discount rules", e.slug, len(e.rules))
	}
}

func seedFAQs(db *sql.DB) {
	faqs := []struct {
		question string
		answer   string
		keywords []string
	}{
		{
			question: "How is the bulk discount calculated?",
			answer:   "The discount tier with the highest student threshold your batch reaches applies to the whole batch fee.",
			keywords: []string{"discount", "bulk", "tier", "fee"},
		},
		{
			question: "Which payment methods are supported?",
			answer:   "Payments are collected through Razorpay for INR and Stripe for USD events.",
			keywords: []string{"payment", "razorpay", "stripe", "pay"},
		},
		{
			question: "When is the invoice issued?",
			answer:   "An invoice is generated automatically as soon as your payment is confirmed.",
			keywords: []string{"invoice", "receipt", "paid"},
		},
	}

	for _, f := range faqs {
		_, err := db.Exec(`
			INSERT INTO faqs (question, answer, keywords)
			SELECT $1, $2, $3
			WHERE NOT EXISTS (SELECT 1 FROM faqs WHERE question = $1);
		`, f.question, f.answer, pq.Array(f.keywords))
		if err != nil {
			log.Fatalf("Failed to seed FAQ: %v", err)
		}
	}
	log.Printf("Seeded %d FAQ entries", len(faqs))
}
