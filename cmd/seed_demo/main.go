package main

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/baristack/posgo/internal/config"
	"github.com/baristack/posgo/internal/database"
	"github.com/baristack/posgo/internal/models"
	"github.com/baristack/posgo/internal/store"
	"github.com/baristack/posgo/internal/utils"
)

// Seeds a demo catalog and an admin login so a terminal can be driven
// without a remote API. Safe to re-run: everything upserts.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Database error: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("❌ Migration error: %v", err)
	}

	now := time.Now()
	catID := func(v int64) *int64 { return &v }

	categories := []models.Category{
		{ID: 1, Name: "Coffee", SortOrder: 1, UpdatedAt: now},
		{ID: 2, Name: "Pastry", SortOrder: 2, UpdatedAt: now},
		{ID: 3, Name: "Combos", SortOrder: 3, UpdatedAt: now},
	}
	products := []models.Product{
		{ID: 101, CategoryID: catID(1), Name: "Espresso", SKU: "ESP-1", Price: 2.50, Stock: 100, Active: true, UpdatedAt: now},
		{ID: 102, CategoryID: catID(1), Name: "Flat White", SKU: "FLW-1", Price: 3.80, Stock: 100, Active: true, UpdatedAt: now},
		{ID: 103, CategoryID: catID(1), Name: "Cold Brew", SKU: "CLB-1", Price: 4.20, Stock: 40, Active: true, UpdatedAt: now},
		{ID: 201, CategoryID: catID(2), Name: "Croissant", SKU: "CRO-1", Price: 2.90, Stock: 25, Active: true, UpdatedAt: now},
		{ID: 202, CategoryID: catID(2), Name: "Banana Bread", SKU: "BNB-1", Price: 3.40, Stock: 18, Active: true, UpdatedAt: now},
	}
	packages := []models.ProductPackage{
		{
			ID: 301, Name: "Breakfast Combo", Price: 5.90, Active: true, UpdatedAt: now,
			Items: models.PackageItems{
				{ProductID: 101, Quantity: 1},
				{ProductID: 201, Quantity: 1},
			},
		},
	}
	tables := []models.DiningTable{
		{ID: 1, Name: "T1", Zone: "Window", Status: models.TableAvailable, Seats: 2, UpdatedAt: now},
		{ID: 2, Name: "T2", Zone: "Window", Status: models.TableAvailable, Seats: 2, UpdatedAt: now},
		{ID: 3, Name: "T3", Zone: "Patio", Status: models.TableAvailable, Seats: 4, UpdatedAt: now},
		{ID: 4, Name: "T4", Zone: "Patio", Status: models.TableAvailable, Seats: 6, UpdatedAt: now},
	}

	if err := st.BulkPut(categories, products, packages, tables); err != nil {
		log.Fatalf("❌ Seed error: %v", err)
	}

	if user, err := st.User("admin"); err != nil {
		log.Fatalf("❌ Seed error: %v", err)
	} else if user == nil {
		hash, err := utils.HashPassword("admin123")
		if err != nil {
			log.Fatalf("❌ Seed error: %v", err)
		}
		admin := &models.UserAuth{
			ID:       uuid.NewString(),
			Username: "admin",
			Password: hash,
			Name:     "Administrator",
			Role:     "admin",
			IsActive: true,
		}
		if err := st.SaveUser(admin); err != nil {
			log.Fatalf("❌ Seed error: %v", err)
		}
		log.Println("✅ Created admin user (admin / admin123)")
	}

	log.Printf("✅ Seeded %d categories, %d products, %d packages, %d tables",
		len(categories), len(products), len(packages), len(tables))
}
