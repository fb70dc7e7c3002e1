package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken    string
	VkToken     string
	VkUserToken string
	VkGroupID   int64

	AdminTgIDs  []int64
	AdminVkIDs  []int64
	TgChannelID int64
	GroupLink   string

	DatabaseURL string
	DBPath      string

	BotCanRemove  bool
	ForceApproved []int64
	DonutAmount   float64
	BackupDir     string
}

var AppCfg AppConfig

func LoadConfig() {
	err := godotenv.Load()
	if err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	AppCfg.BotToken = os.Getenv("BOT_TOKEN")
	AppCfg.VkToken = os.Getenv("VK_TOKEN")
	AppCfg.VkUserToken = os.Getenv("VK_USER_TOKEN")
	AppCfg.VkGroupID = parseID(os.Getenv("VK_GROUP_ID"))
	AppCfg.AdminTgIDs = parseIDList(os.Getenv("ADMIN_TG_IDS"))
	AppCfg.AdminVkIDs = parseIDList(os.Getenv("ADMIN_VK_IDS"))
	AppCfg.TgChannelID = parseID(os.Getenv("TG_CHAT_ID"))
	AppCfg.GroupLink = os.Getenv("GROUP_LINK")
	AppCfg.DatabaseURL = os.Getenv("DATABASE_URL")
	AppCfg.DBPath = os.Getenv("DB_PATH")
	AppCfg.BotCanRemove = os.Getenv("BOT_CAN_REMOVE") == "true"
	AppCfg.ForceApproved = parseIDList(os.Getenv("FORCE_APPROVED_USERS"))
	AppCfg.BackupDir = os.Getenv("BACKUP_DIR")
	if AppCfg.BackupDir == "" {
		AppCfg.BackupDir = "backups"
	}
	// Одиночный ADMIN_TG_ID поддерживается для обратной совместимости
	if id := parseID(os.Getenv("ADMIN_TG_ID")); id != 0 && !contains(AppCfg.AdminTgIDs, id) {
		AppCfg.AdminTgIDs = append(AppCfg.AdminTgIDs, id)
	}
	AppCfg.DonutAmount = 99
	if v := os.Getenv("VK_DONUT_AMOUNT"); v != "" {
		if amount, err := strconv.ParseFloat(v, 64); err == nil {
			AppCfg.DonutAmount = amount
		}
	}

	if AppCfg.DBPath == "" && AppCfg.DatabaseURL == "" {
		AppCfg.DBPath = "database.sqlite"
	}
	if AppCfg.BotToken == "" || AppCfg.VkToken == "" || AppCfg.VkGroupID == 0 || len(AppCfg.AdminTgIDs) == 0 {
		log.Fatal("Critical environment variables are missing. Bot will exit.")
	}
}

func (c *AppConfig) IsTgAdmin(id int64) bool { return contains(c.AdminTgIDs, id) }

func (c *AppConfig) IsVkAdmin(id int64) bool { return contains(c.AdminVkIDs, id) }

func (c *AppConfig) IsForceApproved(vkID int64) bool { return contains(c.ForceApproved, vkID) }

func parseID(s string) int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return id
}

func parseIDList(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		if id := parseID(part); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
