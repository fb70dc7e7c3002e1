package vkapi

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"donut-access-bot/internal/logger"
)

const (
	apiBase    = "https://api.vk.com/method/"
	apiVersion = "5.199"
)

// APIError — ошибка уровня VK API (error_code + error_msg в ответе).
type APIError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("VK API ошибка %d: %s", e.Code, e.Message)
}

// Client — минимальный клиент VK API: групповой токен для сообщений
// и Long Poll, пользовательский — для donut.isDon.
type Client struct {
	groupToken string
	userToken  string
	groupID    int64
	httpClient *http.Client
}

func NewClient(groupToken, userToken string, groupID int64) *Client {
	return &Client{
		groupToken: groupToken,
		userToken:  userToken,
		groupID:    groupID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// call выполняет метод VK API с переданным токеном и декодирует response в out.
// Сетевые сбои повторяются пару раз; ошибки самого API не повторяются.
func (c *Client) call(method, token string, params url.Values, out interface{}) error {
	params.Set("access_token", token)
	params.Set("v", apiVersion)

	var resp *http.Response
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err = c.httpClient.PostForm(apiBase+method, params)
		if err == nil {
			break
		}
		time.Sleep(time.Second * time.Duration(attempt+1))
	}
	if err != nil {
		return fmt.Errorf("ошибка запроса %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Error    *APIError       `json:"error"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("ошибка декодирования ответа %s: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Response, out); err != nil {
			return fmt.Errorf("ошибка разбора response %s: %w", method, err)
		}
	}
	return nil
}

// SendMessage отправляет личное сообщение от имени сообщества.
func (c *Client) SendMessage(peerID int64, text string) error {
	params := url.Values{}
	params.Set("peer_id", strconv.FormatInt(peerID, 10))
	params.Set("message", text)
	params.Set("random_id", strconv.FormatInt(rand.Int63(), 10))
	err := c.call("messages.send", c.groupToken, params, nil)
	if err != nil {
		logger.Error("Ошибка отправки VK-сообщения",
			zap.Int64("peer_id", peerID), zap.Error(err))
	}
	return err
}

// IsDon проверяет подписку VK Donut. Требует пользовательский токен;
// без него возвращает ошибку, вызывающая сторона падает на другие источники.
func (c *Client) IsDon(userID int64) (bool, error) {
	if c.userToken == "" {
		return false, fmt.Errorf("donut.isDon недоступен: нет пользовательского токена")
	}
	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(-c.groupID, 10))
	params.Set("user_id", strconv.FormatInt(userID, 10))
	var result int
	if err := c.call("donut.isDon", c.userToken, params, &result); err != nil {
		return false, err
	}
	return result == 1, nil
}

// DonutMembers возвращает id всех донов сообщества, пролистывая страницы.
func (c *Client) DonutMembers() ([]int64, error) {
	var all []int64
	offset := 0
	for {
		params := url.Values{}
		params.Set("group_id", strconv.FormatInt(c.groupID, 10))
		params.Set("filter", "donut")
		params.Set("offset", strconv.Itoa(offset))
		params.Set("count", "1000")

		var page struct {
			Count int     `json:"count"`
			Items []int64 `json:"items"`
		}
		if err := c.call("groups.getMembers", c.groupToken, params, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		offset += len(page.Items)
		if offset >= page.Count || len(page.Items) == 0 {
			break
		}
	}
	return all, nil
}

// Profile — краткий профиль VK-пользователя.
type Profile struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ScreenName string `json:"screen_name"`
}

// FullName — имя и фамилия одной строкой.
func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// GetUser запрашивает профиль пользователя.
func (c *Client) GetUser(userID int64) (*Profile, error) {
	params := url.Values{}
	params.Set("user_ids", strconv.FormatInt(userID, 10))
	params.Set("fields", "screen_name")
	var profiles []Profile
	if err := c.call("users.get", c.groupToken, params, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("пользователь vk_id=%d не найден", userID)
	}
	return &profiles[0], nil
}
