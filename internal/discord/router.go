package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"koebot/internal/persona"
	"koebot/internal/voice"
	apperrors "koebot/pkg/errors"
)

const (
	busyNoticeDelay = 3 * time.Second
	reconnectGrace  = 5 * time.Second
)

// gateway is the slice of *discordgo.Session the router drives. Kept as
// an interface so handlers can be exercised without a live session.
type gateway interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelVoiceJoin(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
}

// speaker is the speech orchestrator surface the router calls.
type speaker interface {
	Speak(ctx context.Context, req voice.SpeakRequest) error
}

// generator is the LLM client surface the router calls.
type generator interface {
	Generate(ctx context.Context, userText, userID, userName, personaID string) (string, error)
	ClearHistory(userID, personaID string) bool
	ClearAllHistory()
}

// inboundMessage carries everything a handler needs from one message
// event, resolved from gateway state up front.
type inboundMessage struct {
	guildID    string
	channelID  string
	messageID  string
	authorID   string
	authorName string
	content    string
	botName    string

	// The author's current voice channel, empty when not in one.
	voiceChannelID   string
	voiceChannelName string
}

func (m inboundMessage) ref() *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: m.messageID,
		ChannelID: m.channelID,
		GuildID:   m.guildID,
	}
}

// Router parses the command prefix and dispatches chat input to the
// session registry, LLM client and speech orchestrator.
type Router struct {
	prefix   string
	sessions *voice.Registry
	orch     speaker
	llm      generator
	personas *persona.Registry
	logger   *zap.Logger

	noticeDelay time.Duration
	graceDelay  time.Duration
}

// NewRouter creates a message router for the given command prefix.
func NewRouter(prefix string, sessions *voice.Registry, orch speaker, llm generator, personas *persona.Registry, logger *zap.Logger) *Router {
	return &Router{
		prefix:      prefix,
		sessions:    sessions,
		orch:        orch,
		llm:         llm,
		personas:    personas,
		logger:      logger,
		noticeDelay: busyNoticeDelay,
		graceDelay:  reconnectGrace,
	}
}

// HandleMessage is the discordgo MessageCreate handler.
func (r *Router) HandleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	msg := inboundMessage{
		guildID:    m.GuildID,
		channelID:  m.ChannelID,
		messageID:  m.ID,
		authorID:   m.Author.ID,
		authorName: m.Author.Username,
		content:    strings.TrimSpace(m.Content),
		botName:    s.State.User.Username,
	}
	if vs, err := s.State.VoiceState(m.GuildID, m.Author.ID); err == nil && vs != nil && vs.ChannelID != "" {
		msg.voiceChannelID = vs.ChannelID
		msg.voiceChannelName = vs.ChannelID
		if ch, err := s.State.Channel(vs.ChannelID); err == nil {
			msg.voiceChannelName = ch.Name
		}
	}

	r.route(s, msg)
}

func (r *Router) route(g gateway, msg inboundMessage) {
	if !strings.HasPrefix(msg.content, r.prefix) {
		r.handleChat(g, msg)
		return
	}

	fields := strings.Fields(strings.TrimPrefix(msg.content, r.prefix))
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	r.logger.Debug("dispatching command",
		zap.String("guild_id", msg.guildID),
		zap.String("user_id", msg.authorID),
		zap.String("command", command),
	)

	switch command {
	case "join":
		r.handleJoin(g, msg)
	case "leave":
		r.handleLeave(g, msg)
	case "persona":
		r.handlePersona(g, msg, args)
	case "speak":
		r.handleSpeak(g, msg, args)
	case "clearhistory":
		r.handleClearHistory(g, msg)
	}
}

func (r *Router) reply(g gateway, msg inboundMessage, content string) {
	if _, err := g.ChannelMessageSendReply(msg.channelID, content, msg.ref()); err != nil {
		r.logger.Warn("failed to send reply",
			zap.String("channel_id", msg.channelID),
			zap.Error(err),
		)
	}
}

func (r *Router) handleJoin(g gateway, msg inboundMessage) {
	if msg.voiceChannelID == "" {
		r.reply(g, msg, "参加可能なボイスチャンネルに接続してください。")
		return
	}

	if sess, ok := r.sessions.Get(msg.guildID); ok {
		if sess.ChannelID == msg.voiceChannelID {
			sess.SetChatMode(true)
			r.reply(g, msg, "既に同じチャンネルに接続済みです。")
			return
		}
		// The old session must be fully torn down before joining the new
		// channel: the gateway reuses the guild's single voice
		// connection, and disconnecting it later would drop the channel
		// just joined.
		r.sessions.Destroy(msg.guildID)
	}

	conn, err := g.ChannelVoiceJoin(msg.guildID, msg.voiceChannelID, false, false)
	if err != nil {
		joinErr := apperrors.NewVoiceJoinFailed(msg.guildID, msg.voiceChannelID, err)
		r.logger.Error("voice join failed",
			zap.String("guild_id", msg.guildID),
			zap.String("channel_id", msg.voiceChannelID),
			zap.Error(joinErr),
		)
		r.reply(g, msg, "ボイスチャンネルへの接続に失敗しました。")
		return
	}

	sess := r.sessions.Create(msg.guildID, msg.voiceChannelID, conn)
	p := r.personas.Resolve(sess.PersonaID())

	r.logger.Info("joined voice channel",
		zap.String("guild_id", msg.guildID),
		zap.String("channel_id", msg.voiceChannelID),
		zap.String("persona", p.ID),
	)
	r.reply(g, msg, fmt.Sprintf(
		"%s に接続しました。現在の話者は **%s** です。\nチャットで話しかけてください。\n話者変更: `%spersona <ID>`\n終了: `%sleave`",
		msg.voiceChannelName, p.Name, r.prefix, r.prefix,
	))
}

func (r *Router) handleLeave(g gateway, msg inboundMessage) {
	if !r.sessions.Destroy(msg.guildID) {
		r.reply(g, msg, "ボットは現在ボイスチャンネルに接続していません。")
		return
	}
	r.llm.ClearAllHistory()
	r.reply(g, msg, "ボイスチャンネルから切断しました。")
}

func (r *Router) handlePersona(g gateway, msg inboundMessage, args []string) {
	if len(args) == 0 || strings.ToLower(args[0]) == "list" {
		r.sendPersonaList(g, msg)
		return
	}

	id := strings.ToLower(args[0])
	p, ok := r.personas.Get(id)
	if !ok {
		r.reply(g, msg, fmt.Sprintf(
			"指定された話者ID「%s」は見つかりません。`%spersona list` で確認してください。", id, r.prefix,
		))
		return
	}

	sess, ok := r.sessions.Get(msg.guildID)
	if !ok {
		r.reply(g, msg, fmt.Sprintf("ボイスチャンネルに接続していません。`%sjoin` で接続してください。", r.prefix))
		return
	}

	sess.SetPersonaID(p.ID)
	r.llm.ClearHistory(msg.authorID, p.ID)
	r.reply(g, msg, fmt.Sprintf("話者を **%s** に変更しました。\n会話履歴がリセットされました。", p.Name))

	if p.Greeting != "" && !sess.Busy() {
		err := r.orch.Speak(context.Background(), voice.SpeakRequest{
			GuildID:   msg.guildID,
			Text:      p.Greeting,
			PersonaID: p.ID,
		})
		if err != nil && !errors.Is(err, apperrors.ErrBusy) {
			r.logger.Warn("greeting playback failed",
				zap.String("guild_id", msg.guildID),
				zap.String("persona", p.ID),
				zap.Error(err),
			)
		}
	}
}

func (r *Router) sendPersonaList(g gateway, msg inboundMessage) {
	embed := &discordgo.MessageEmbed{
		Title: "利用可能な話者リスト",
		Color: 0x0099FF,
	}
	for _, p := range r.personas.List() {
		prompt := p.SystemPrompt
		if prompt == "" {
			prompt = "(システムプロンプトなし)"
		} else if len([]rune(prompt)) > 100 {
			prompt = string([]rune(prompt)[:100]) + "..."
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%s (`%s`)", p.Name, p.ID),
			Value: prompt,
		})
	}

	currentID := r.personas.DefaultID()
	if sess, ok := r.sessions.Get(msg.guildID); ok {
		currentID = sess.PersonaID()
	}
	current := r.personas.Resolve(currentID)
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf("現在の話者: %s (%s) | 変更: %spersona <ID>", current.Name, current.ID, r.prefix),
	}

	if _, err := g.ChannelMessageSendEmbed(msg.channelID, embed); err != nil {
		r.logger.Warn("failed to send persona list",
			zap.String("channel_id", msg.channelID),
			zap.Error(err),
		)
	}
}

func (r *Router) handleSpeak(g gateway, msg inboundMessage, args []string) {
	text := strings.Join(args, " ")
	if text == "" {
		r.reply(g, msg, "話す内容を指定してください。")
		return
	}

	sess, ok := r.sessions.Get(msg.guildID)
	if !ok {
		r.reply(g, msg, "ボイスチャンネルに接続していません。")
		return
	}

	err := r.orch.Speak(context.Background(), voice.SpeakRequest{
		GuildID:   msg.guildID,
		Text:      text,
		PersonaID: sess.PersonaID(),
	})
	switch {
	case errors.Is(err, apperrors.ErrBusy):
		r.reply(g, msg, "現在ボットが他の応答を処理中です。")
	case err != nil:
		r.reply(g, msg, "音声の生成に失敗しました。")
	}
}

func (r *Router) handleClearHistory(g gateway, msg inboundMessage) {
	personaID := r.personas.DefaultID()
	if sess, ok := r.sessions.Get(msg.guildID); ok {
		personaID = sess.PersonaID()
	}
	r.llm.ClearHistory(msg.authorID, personaID)
	r.reply(g, msg, fmt.Sprintf("現在の話者(%s)との会話履歴をクリアしました。", personaID))
}

// handleChat runs the implicit chat-response flow for prefix-less text.
func (r *Router) handleChat(g gateway, msg inboundMessage) {
	sess, ok := r.sessions.Get(msg.guildID)
	if !ok || !sess.ChatMode() || msg.content == "" {
		return
	}

	// Claiming the cycle up front serializes both the voice flow and the
	// text-only flow per guild.
	if !sess.BeginCycle() {
		r.sendBusyNotice(g, msg.channelID)
		return
	}

	p := r.personas.Resolve(sess.PersonaID())

	if !sess.Connected() {
		r.respondTextOnly(g, msg, sess, p)
		return
	}

	thinking, err := g.ChannelMessageSend(msg.channelID, fmt.Sprintf("**%s (%s)が応答中...** 🧠", msg.botName, p.Name))
	if err != nil {
		r.logger.Warn("failed to send thinking notice",
			zap.String("channel_id", msg.channelID),
			zap.Error(err),
		)
		thinking = nil
	}

	reply, err := r.llm.Generate(context.Background(), msg.content, msg.authorID, msg.authorName, p.ID)
	if err != nil {
		if thinking != nil {
			_ = g.ChannelMessageDelete(msg.channelID, thinking.ID)
		}
		r.logger.Error("chat response failed",
			zap.String("guild_id", msg.guildID),
			zap.String("persona", p.ID),
			zap.Error(err),
		)
		r.reply(g, msg, "AIが応答を生成できませんでした。")
		sess.EndCycle()
		return
	}

	formatted := fmt.Sprintf("**%s (%s)**: %s", msg.botName, p.Name, reply)
	if thinking != nil {
		if _, err := g.ChannelMessageEdit(msg.channelID, thinking.ID, formatted); err != nil {
			r.logger.Warn("failed to edit thinking notice", zap.Error(err))
		}
	} else {
		_, _ = g.ChannelMessageSend(msg.channelID, formatted)
	}

	err = r.orch.Speak(context.Background(), voice.SpeakRequest{
		GuildID:    msg.guildID,
		Text:       reply,
		PersonaID:  p.ID,
		CycleOwned: true,
	})
	if errors.Is(err, apperrors.ErrBusy) {
		// Dropped before playback; the cycle claimed above is still ours.
		sess.EndCycle()
	}
}

// respondTextOnly answers in chat when no live voice transport exists.
// The cycle claimed by the caller is released here.
func (r *Router) respondTextOnly(g gateway, msg inboundMessage, sess *voice.GuildSession, p persona.Persona) {
	defer sess.EndCycle()

	reply, err := r.llm.Generate(context.Background(), msg.content, msg.authorID, msg.authorName, p.ID)
	if err != nil {
		r.logger.Error("text-only response failed",
			zap.String("guild_id", msg.guildID),
			zap.String("persona", p.ID),
			zap.Error(err),
		)
		r.reply(g, msg, "AI応答取得中にエラーが発生しました。")
		return
	}
	r.reply(g, msg, fmt.Sprintf("**%s (%s)**: %s", msg.botName, p.Name, reply))
}

func (r *Router) sendBusyNotice(g gateway, channelID string) {
	notice, err := g.ChannelMessageSend(channelID, "（応答生成・再生中です...少々お待ちください。）")
	if err != nil {
		return
	}
	go func() {
		time.Sleep(r.noticeDelay)
		if err := g.ChannelMessageDelete(channelID, notice.ID); err != nil {
			r.logger.Debug("failed to delete busy notice", zap.Error(err))
		}
	}()
}

// HandleVoiceStateUpdate watches for the bot being removed from its voice
// channel (kick, channel delete) and tears the session down after a grace
// period if it has not reconnected.
func (r *Router) HandleVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if s.State.User == nil || v.UserID != s.State.User.ID {
		return
	}
	if v.ChannelID != "" {
		return
	}
	if _, ok := r.sessions.Get(v.GuildID); !ok {
		return
	}

	r.logger.Info("bot left voice channel, starting reconnect grace period",
		zap.String("guild_id", v.GuildID),
		zap.Duration("grace", r.graceDelay),
	)
	go r.teardownAfterGrace(v.GuildID, func() bool {
		vs, err := s.State.VoiceState(v.GuildID, s.State.User.ID)
		return err == nil && vs != nil && vs.ChannelID != ""
	})
}

// teardownAfterGrace destroys the guild's session unless the bot is back
// in a voice channel once the grace period elapses.
func (r *Router) teardownAfterGrace(guildID string, reconnected func() bool) {
	time.Sleep(r.graceDelay)
	if reconnected() {
		r.logger.Info("voice connection recovered within grace period",
			zap.String("guild_id", guildID),
		)
		return
	}
	if r.sessions.Destroy(guildID) {
		r.llm.ClearAllHistory()
		r.logger.Info("voice session torn down after disconnect",
			zap.String("guild_id", guildID),
		)
	}
}
