package telegram

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"allergen-scanner/internal/analysis"
	"allergen-scanner/internal/app"
	"allergen-scanner/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot wraps the Telegram API and drives the application controller. The
// chat is rendered as a single "screen" message that gets edited in place
// whenever the controller state changes.
type Bot struct {
	api        *tgbotapi.BotAPI
	controller *app.Controller
	cfg        *config.Config

	mu           sync.Mutex
	chatID       int64
	messageID    int
	lastRendered string
}

// NewBot initializes the Telegram Bot, sets the Webhook and subscribes to
// controller state changes.
func NewBot(cfg *config.Config, controller *app.Controller) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram api: %w", err)
	}

	log.Printf("Authorized on account %s", api.Self.UserName)

	webhookURL := cfg.TelegramWebhookURL
	wh, _ := tgbotapi.NewWebhook(webhookURL)
	resp, err := api.Request(wh)
	if err != nil {
		return nil, fmt.Errorf("failed to set webhook to %s: %w", webhookURL, err)
	}
	log.Printf("Webhook set response: %s", resp.Description)

	b := &Bot{
		api:        api,
		controller: controller,
		cfg:        cfg,
	}
	controller.SetListener(b.render)
	return b, nil
}

// RegisterHandlers registers the webhook handler with the default HTTP mux.
func (b *Bot) RegisterHandlers() {
	http.HandleFunc("/webhook", b.handleWebhook)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func (b *Bot) handleWebhook(w http.ResponseWriter, r *http.Request) {
	update, err := b.api.HandleUpdate(r)
	if err != nil {
		log.Printf("Error parsing update: %v", err)
		return
	}

	if update.CallbackQuery != nil {
		if update.CallbackQuery.From.ID != b.cfg.TelegramAllowUserID {
			return
		}
		b.handleCallbackQuery(update.CallbackQuery)
		return
	}

	if update.Message == nil {
		return
	}

	if update.Message.From.ID != b.cfg.TelegramAllowUserID {
		log.Printf("⚠️ Unauthorized access attempt from UserID: %d (@%s)", update.Message.From.ID, update.Message.From.UserName)
		return
	}

	go b.processMessage(update.Message)
}

func (b *Bot) processMessage(msg *tgbotapi.Message) {
	ctx := context.Background()

	// 1. Photos and image documents go straight into a scan.
	if len(msg.Photo) > 0 || (msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/")) {
		b.handleLabelPhoto(ctx, msg)
		return
	}

	// 2. Commands.
	switch {
	case msg.Text == "/start":
		b.showScreen(msg.Chat.ID)
		return
	case strings.HasPrefix(msg.Text, "/name "):
		name := strings.TrimSpace(strings.TrimPrefix(msg.Text, "/name "))
		if err := b.controller.SetDisplayName(ctx, name); err != nil {
			log.Printf("Error saving display name: %v", err)
		}
		b.showScreen(msg.Chat.ID)
		return
	}

	// 3. A URL is a product-page scan.
	if strings.HasPrefix(msg.Text, "http://") || strings.HasPrefix(msg.Text, "https://") {
		b.handleLabelURL(ctx, msg)
		return
	}

	// 4. Plain text while the profile screen is open adds an allergen.
	if b.controller.State().View == app.ViewProfile {
		if err := b.controller.AddAllergen(ctx, msg.Text); err != nil {
			log.Printf("Error adding allergen: %v", err)
		}
		return
	}

	b.showScreen(msg.Chat.ID)
}

// handleLabelPhoto downloads the photo from Telegram and submits it for
// analysis. The loading screen is rendered by the controller listener as
// soon as the scan begins.
func (b *Bot) handleLabelPhoto(ctx context.Context, msg *tgbotapi.Message) {
	b.sendScreenMessage(msg.Chat.ID, "📷 *Receiving photo...*", nil)

	fileID := ""
	if len(msg.Photo) > 0 {
		// Telegram sends multiple sizes; the last one is the largest.
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	} else if msg.Document != nil {
		fileID = msg.Document.FileID
	}

	data, err := b.downloadFile(fileID)
	if err != nil {
		log.Printf("Error downloading photo: %v", err)
		b.editScreen("❌ The photo could not be downloaded. Please send it again.", nil)
		return
	}

	b.controller.OpenScanner(ctx)
	if err := b.controller.ScanImage(ctx, data); err != nil {
		log.Printf("Error starting scan: %v", err)
		b.editScreen("❌ The scan could not be started. Please try again.", nil)
	}
}

func (b *Bot) handleLabelURL(ctx context.Context, msg *tgbotapi.Message) {
	b.sendScreenMessage(msg.Chat.ID, "🔗 *Fetching product page...*", nil)

	b.controller.OpenScanner(ctx)
	if err := b.controller.ScanURL(ctx, strings.TrimSpace(msg.Text)); err != nil {
		log.Printf("Error starting URL scan: %v", err)
		b.editScreen("❌ The scan could not be started. Please try again.", nil)
	}
}

func (b *Bot) downloadFile(fileID string) ([]byte, error) {
	if fileID == "" {
		return nil, fmt.Errorf("message carries no downloadable file")
	}
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file url: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *Bot) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	ctx := context.Background()

	// Answer callback to remove spinner
	b.api.Request(tgbotapi.NewCallback(query.ID, ""))

	b.mu.Lock()
	b.chatID = query.Message.Chat.ID
	b.messageID = query.Message.MessageID
	b.mu.Unlock()

	data := query.Data
	switch {
	case data == "scan":
		b.controller.OpenScanner(ctx)
	case data == "profile":
		b.controller.OpenProfile()
	case data == "home":
		b.controller.CancelScan()
		b.controller.GoHome()
	case data == "retry":
		b.controller.RetryScan(ctx)
	case data == "save":
		if err := b.controller.SaveProfile(ctx, ""); err != nil {
			log.Printf("Error saving profile: %v", err)
		}
	case strings.HasPrefix(data, "rm|"):
		name := strings.TrimPrefix(data, "rm|")
		if err := b.controller.RemoveAllergen(ctx, name); err != nil {
			log.Printf("Error removing allergen: %v", err)
		}
	}
}

// showScreen sends a fresh screen message for the current state. Used for
// /start and after typed commands, where editing an old message would be
// confusing.
func (b *Bot) showScreen(chatID int64) {
	state := b.controller.State()
	b.sendScreenMessage(chatID, formatState(state), keyboardFor(state))
}

func (b *Bot) sendScreenMessage(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	reply := tgbotapi.NewMessage(chatID, text)
	reply.ParseMode = "Markdown"
	if keyboard != nil {
		reply.ReplyMarkup = keyboard
	}
	sent, err := b.api.Send(reply)
	if err != nil {
		log.Printf("Failed to send screen message: %v", err)
		return
	}

	b.mu.Lock()
	b.chatID = chatID
	b.messageID = sent.MessageID
	b.lastRendered = text
	b.mu.Unlock()
}

// render is the controller listener: it redraws the tracked screen message
// for every state change.
func (b *Bot) render(state app.State) {
	b.editScreen(formatState(state), keyboardFor(state))
}

func (b *Bot) editScreen(text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	b.mu.Lock()
	chatID, messageID := b.chatID, b.messageID
	unchanged := text == b.lastRendered
	if !unchanged {
		b.lastRendered = text
	}
	b.mu.Unlock()

	if chatID == 0 || unchanged {
		return
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = "Markdown"
	edit.ReplyMarkup = keyboard
	if _, err := b.api.Send(edit); err != nil {
		log.Printf("Failed to edit screen message: %v", err)
	}
}

func formatState(s app.State) string {
	switch s.View {
	case app.ViewScanner:
		var sb strings.Builder
		sb.WriteString("📷 *Scanner*\n\nSend a photo of the ingredients label, or paste a product page URL.")
		if s.ErrorMessage != "" {
			sb.WriteString(fmt.Sprintf("\n\n⚠️ %s", s.ErrorMessage))
		}
		return sb.String()
	case app.ViewResult:
		if s.IsAnalyzing {
			return "🔬 *Analyzing label...*\n(Checking the ingredients against your allergen list)"
		}
		if s.ErrorMessage != "" {
			return fmt.Sprintf("❌ %s", s.ErrorMessage)
		}
		if s.LastResult != nil {
			return formatRiskResult(s.LastResult)
		}
		return "🔬 *Analyzing label...*"
	case app.ViewProfile:
		var sb strings.Builder
		sb.WriteString("👤 *Your Allergen Profile*\n\n")
		if len(s.Profile.Allergens) == 0 {
			sb.WriteString("_No allergens yet._\n")
		}
		for _, a := range s.Profile.Allergens {
			sb.WriteString(fmt.Sprintf("• %s\n", a))
		}
		sb.WriteString("\nType an allergen name to add it, or tap one below to remove it.")
		return sb.String()
	default:
		greeting := "👋 *Welcome!*"
		if s.Profile.DisplayName != "" {
			greeting = fmt.Sprintf("👋 *Hi, %s!*", s.Profile.DisplayName)
		}
		return fmt.Sprintf("%s\n\nI check product labels against your allergen list (%d saved).\nScan a label to get started.", greeting, len(s.Profile.Allergens))
	}
}

func formatRiskResult(r *analysis.Result) string {
	var sb strings.Builder
	switch r.RiskLevel {
	case analysis.RiskDanger:
		sb.WriteString("🔴 *DANGER*\n\n")
	case analysis.RiskWarning:
		sb.WriteString("🟠 *WARNING*\n\n")
	default:
		sb.WriteString("🟢 *SAFE*\n\n")
	}

	if len(r.DetectedAllergens) > 0 {
		sb.WriteString("*Detected terms:*\n")
		for _, term := range r.DetectedAllergens {
			sb.WriteString(fmt.Sprintf("• %s\n", term))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("_%s_", r.Reasoning))
	return sb.String()
}

func keyboardFor(s app.State) *tgbotapi.InlineKeyboardMarkup {
	switch s.View {
	case app.ViewScanner:
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("✖️ Cancel", "home"),
			),
		)
		return &kb
	case app.ViewResult:
		if s.IsAnalyzing {
			return nil
		}
		if s.ErrorMessage != "" {
			kb := tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(
					tgbotapi.NewInlineKeyboardButtonData("🔄 Try Again", "retry"),
					tgbotapi.NewInlineKeyboardButtonData("🏠 Home", "home"),
				),
			)
			return &kb
		}
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("📷 Scan Again", "retry"),
				tgbotapi.NewInlineKeyboardButtonData("🏠 Home", "home"),
			),
		)
		return &kb
	case app.ViewProfile:
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, a := range s.Profile.Allergens {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("🗑 %s", a), "rm|"+a),
			))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💾 Save & Close", "save"),
		))
		kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
		return &kb
	default:
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("📷 Scan a Label", "scan"),
				tgbotapi.NewInlineKeyboardButtonData("👤 Profile", "profile"),
			),
		)
		return &kb
	}
}
