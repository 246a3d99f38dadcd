package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Tag struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Slug      string    `gorm:"type:text;uniqueIndex;not null"`
	Title     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Theme struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Slug      string    `gorm:"type:text;uniqueIndex;not null"`
	Title     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Blueprint struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Slug        string            `gorm:"type:text;uniqueIndex;not null"`
	Title       string            `gorm:"type:text;not null"`
	Description string            `gorm:"type:text"`
	RepoURL     string            `gorm:"type:text;not null"`
	Config      datatypes.JSONMap `gorm:"type:jsonb"`
	Type        string            `gorm:"type:text"`
	Version     string            `gorm:"type:text"`
	Status      string            `gorm:"type:text;not null;default:new;index"`
	ThumbURL    string            `gorm:"type:text"`
	Tags        []Tag             `gorm:"many2many:blueprint_tags;joinForeignKey:BlueprintID;joinReferences:TagID;constraint:OnDelete:CASCADE"`
	Themes      []Theme           `gorm:"many2many:blueprint_themes;joinForeignKey:BlueprintID;joinReferences:ThemeID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	// AutoMigrate creates the join tables along with the blueprint table.
	return gormDB.WithContext(ctx).AutoMigrate(
		&Tag{},
		&Theme{},
		&Blueprint{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		"blueprint_themes",
		"blueprint_tags",
		&Blueprint{},
		&Theme{},
		&Tag{},
	)
}
