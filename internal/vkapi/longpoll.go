package vkapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"donut-access-bot/internal/logger"
)

// Event — сырое событие Bots Long Poll.
type Event struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id"`
	Object  json.RawMessage `json:"object"`
}

// MessageNew — полезная нагрузка события message_new.
type MessageNew struct {
	Message struct {
		FromID int64  `json:"from_id"`
		PeerID int64  `json:"peer_id"`
		Text   string `json:"text"`
	} `json:"message"`
}

// DonutNew — полезная нагрузка donut_subscription_create / prolonged.
type DonutNew struct {
	UserID int64   `json:"user_id"`
	Amount float64 `json:"amount"`
}

// LongPoll крутит цикл Bots Long Poll и передаёт события обработчику.
type LongPoll struct {
	client  *Client
	handler func(Event)

	server string
	key    string
	ts     string
}

func NewLongPoll(client *Client, handler func(Event)) *LongPoll {
	return &LongPoll{client: client, handler: handler}
}

func (lp *LongPoll) connect() error {
	params := url.Values{}
	params.Set("group_id", strconv.FormatInt(lp.client.groupID, 10))
	var out struct {
		Server string `json:"server"`
		Key    string `json:"key"`
		Ts     string `json:"ts"`
	}
	if err := lp.client.call("groups.getLongPollServer", lp.client.groupToken, params, &out); err != nil {
		return fmt.Errorf("ошибка получения Long Poll сервера: %w", err)
	}
	lp.server, lp.key, lp.ts = out.Server, out.Key, out.Ts
	logger.Info("Long Poll подключён", zap.String("server", out.Server))
	return nil
}

// Run гоняет a_check до отмены ctx. Обрывы соединения и failed-коды
// обрабатываются переподключением, ts по возможности сохраняется.
func (lp *LongPoll) Run(ctx context.Context) error {
	if err := lp.connect(); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 35 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q := url.Values{}
		q.Set("act", "a_check")
		q.Set("key", lp.key)
		q.Set("ts", lp.ts)
		q.Set("wait", "25")

		resp, err := httpClient.Get(lp.server + "?" + q.Encode())
		if err != nil {
			logger.Error("Ошибка Long Poll запроса, переподключение", zap.Error(err))
			time.Sleep(3 * time.Second)
			if err := lp.connect(); err != nil {
				logger.Error("Ошибка переподключения Long Poll", zap.Error(err))
			}
			continue
		}

		var out struct {
			Failed  int     `json:"failed"`
			Ts      string  `json:"ts"`
			Updates []Event `json:"updates"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			logger.Error("Ошибка разбора Long Poll ответа", zap.Error(err))
			continue
		}

		switch out.Failed {
		case 0:
			lp.ts = out.Ts
			for _, ev := range out.Updates {
				lp.handler(ev)
			}
		case 1:
			// история устарела, продолжаем с нового ts
			lp.ts = out.Ts
		case 2, 3:
			// ключ протух или данные потеряны — новый сервер
			if err := lp.connect(); err != nil {
				logger.Error("Ошибка переподключения Long Poll", zap.Error(err))
				time.Sleep(3 * time.Second)
			}
		default:
			logger.Error("Неизвестный failed-код Long Poll",
				zap.Int("failed", out.Failed))
			time.Sleep(3 * time.Second)
		}
	}
}
