package blueprints

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type blueprintModel struct {
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
	Tags        []tagModel        `gorm:"many2many:blueprint_tags;joinForeignKey:BlueprintID;joinReferences:TagID"`
	Themes      []themeModel      `gorm:"many2many:blueprint_themes;joinForeignKey:BlueprintID;joinReferences:ThemeID"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (blueprintModel) TableName() string { return "blueprints" }

func (m blueprintModel) toAPI() Blueprint {
	bp := Blueprint{
		ID:          m.ID,
		Slug:        m.Slug,
		Title:       m.Title,
		Description: m.Description,
		RepoURL:     m.RepoURL,
		Config:      mapFromJSONMap(m.Config),
		Type:        m.Type,
		Version:     m.Version,
		Status:      Status(m.Status),
		ThumbURL:    m.ThumbURL,
		Tags:        make([]Tag, 0, len(m.Tags)),
		Themes:      make([]Theme, 0, len(m.Themes)),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	for _, t := range m.Tags {
		bp.Tags = append(bp.Tags, t.toAPI())
	}
	for _, t := range m.Themes {
		bp.Themes = append(bp.Themes, t.toAPI())
	}
	return bp
}

type tagModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title     string    `gorm:"type:text;not null"`
	Slug      string    `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (tagModel) TableName() string { return "tags" }

func (t tagModel) toAPI() Tag {
	return Tag{ID: t.ID, Title: t.Title, Slug: t.Slug}
}

type themeModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title     string    `gorm:"type:text;not null"`
	Slug      string    `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (themeModel) TableName() string { return "themes" }

func (t themeModel) toAPI() Theme {
	return Theme{ID: t.ID, Title: t.Title, Slug: t.Slug}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range src {
		out[k] = v
	}
	return out
}
