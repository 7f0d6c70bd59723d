package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

const (
	actionReviewOpen     = "collect_review_open"
	actionItemMenu       = "collect_item_menu"
	actionProjectKeyOpen = "collect_project_key_open"
	actionCreateTickets  = "collect_create_tickets"

	modalReviewCallbackID     = "collect_review_modal"
	modalEditCallbackID       = "collect_edit_modal"
	modalProjectKeyCallbackID = "collect_project_key_modal"

	reviewMetaPrefix  = "review:"
	editMetaPrefix    = "edit:"
	projectMetaPrefix = "project:"

	editBlockTitle       = "edit_title"
	editBlockDescription = "edit_description"
	editBlockType        = "edit_type"
	editBlockPriority    = "edit_priority"
	editBlockImpact      = "edit_user_impact"
	editBlockCurrent     = "edit_current_behavior"
	editBlockExpected    = "edit_expected_behavior"
	editBlockContext     = "edit_additional_context"
	editActionInput      = "field_input"

	reviewItemPageSize = 20
)

// Bot wires the Slack surface to the core operations. Handlers are plain
// request/response operations; the socketmode loop just dispatches.
type Bot struct {
	cfg        Config
	api        *slack.Client
	sessions   *SessionManager
	reconciler *TicketReconciler
	resolver   *userResolver
	metrics    *Metrics
}

func NewBot(cfg Config, api *slack.Client, sessions *SessionManager, reconciler *TicketReconciler, metrics *Metrics) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		sessions:   sessions,
		reconciler: reconciler,
		resolver:   newUserResolver(api),
		metrics:    metrics,
	}
}

func (b *Bot) Start() error {
	client := socketmode.New(b.api)

	go func() {
		for evt := range client.Events {
			switch evt.Type {
			case socketmode.EventTypeSlashCommand:
				client.Ack(*evt.Request)
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				log.Printf("Slash command received: %s from user=%s channel=%s", cmd.Command, cmd.UserID, cmd.ChannelID)
				go b.handleSlashCommand(cmd)
			case socketmode.EventTypeInteractive:
				client.Ack(*evt.Request)
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					continue
				}
				go b.handleInteraction(callback)
			}
		}
	}()

	log.Println("Slack bot connected via Socket Mode")
	return client.Run()
}

func (b *Bot) handleSlashCommand(cmd slack.SlashCommand) {
	switch cmd.Command {
	case "/collect-feedback":
		b.handleCollectFeedback(cmd)
	case "/feedback-status":
		b.handleFeedbackStatus(cmd)
	case "/help":
		b.handleHelp(cmd)
	}
}

func (b *Bot) handleHelp(cmd slack.SlashCommand) {
	b.postEphemeral(cmd.ChannelID, cmd.UserID,
		"Feedback Collector commands:\n"+
			"• `/collect-feedback <channels> <start> <end>` — Collect feedback from channels over a date range (e.g. `/collect-feedback #support,#bugs 2026-08-01 2026-08-15`)\n"+
			"• `/feedback-status <session-id>` — Show a session's items and outcomes\n"+
			"• `/help` — This message")
}

// handleCollectFeedback drives the whole collection flow: start a session,
// fetch and analyze each channel, then hand the operator a review message.
func (b *Bot) handleCollectFeedback(cmd slack.SlashCommand) {
	channelArg, startDate, endDate, err := parseCollectArgs(cmd.Text)
	if err != nil {
		b.postEphemeral(cmd.ChannelID, cmd.UserID, err.Error())
		return
	}

	channels, err := b.resolveChannels(channelArg)
	if err != nil {
		b.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Error resolving channels: %v", err))
		return
	}

	session, err := b.sessions.StartSession(cmd.UserID, channels, startDate, endDate)
	if err != nil {
		b.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Unable to start session: %v", err))
		log.Printf("collect start error user=%s: %v", cmd.UserID, err)
		return
	}

	b.postEphemeral(cmd.ChannelID, cmd.UserID,
		fmt.Sprintf("Collecting feedback from %d channel(s), %s to %s. This may take a minute...",
			len(channels), startDate, endDate))

	start, end, _ := ParseDateRange(startDate, endDate)
	oldest, latest := DateRangeTimestamps(start, end)

	totalItems := 0
	var failures []string
	for _, channelID := range channels {
		messages, fetchErr := b.fetchChannelMessages(channelID, oldest, latest)
		if fetchErr != nil {
			failures = append(failures, fmt.Sprintf("<#%s>: %v", channelID, fetchErr))
			continue
		}
		if len(messages) == 0 {
			continue
		}

		items, _, llmErr := ExtractFeedbackItems(b.cfg, messages)
		if llmErr != nil {
			failures = append(failures, fmt.Sprintf("<#%s>: analysis failed: %v", channelID, llmErr))
			log.Printf("collect extract error session=%s channel=%s: %v", session.SessionID, channelID, llmErr)
			continue
		}
		if _, addErr := b.sessions.AddFeedbackItems(session.SessionID, channelID, items); addErr != nil {
			failures = append(failures, fmt.Sprintf("<#%s>: saving items failed: %v", channelID, addErr))
			continue
		}
		totalItems += len(items)
	}

	msg := fmt.Sprintf("Collected *%d* feedback item(s) across %d channel(s).\nSession: `%s`",
		totalItems, len(channels), session.SessionID)
	for _, f := range failures {
		msg += "\n:warning: " + f
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, msg, false, false), nil, nil),
		slack.NewActionBlock("collect_actions",
			slack.NewButtonBlockElement(actionReviewOpen, session.SessionID,
				slack.NewTextBlockObject(slack.PlainTextType, "Review items", false, false)),
			slack.NewButtonBlockElement(actionProjectKeyOpen, session.SessionID,
				slack.NewTextBlockObject(slack.PlainTextType, "Set project keys", false, false)),
			slack.NewButtonBlockElement(actionCreateTickets, session.SessionID,
				slack.NewTextBlockObject(slack.PlainTextType, "Create tickets", false, false)),
		),
	}
	if _, err := b.api.PostEphemeral(cmd.ChannelID, cmd.UserID, slack.MsgOptionBlocks(blocks...)); err != nil {
		log.Printf("collect summary post error: %v", err)
	}
}

func parseCollectArgs(text string) (channels, startDate, endDate string, err error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) != 3 {
		return "", "", "", fmt.Errorf("Usage: /collect-feedback <channels> <start> <end>\nExample: /collect-feedback #support,#bugs 2026-08-01 2026-08-15")
	}
	return fields[0], fields[1], fields[2], nil
}

// resolveChannels turns a comma-separated list of channel names/ids into
// channel ids, listing workspace conversations only when names appear.
func (b *Bot) resolveChannels(input string) ([]string, error) {
	ids, names := parseChannelInput(input)
	if len(names) == 0 {
		if len(ids) == 0 {
			return nil, fmt.Errorf("no channels specified")
		}
		return ids, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[strings.ToLower(name)] = true
	}

	params := &slack.GetConversationsParameters{
		Types: []string{"public_channel", "private_channel"},
		Limit: 200,
	}
	found := make(map[string]string)
	for {
		convos, cursor, err := b.api.GetConversations(params)
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", err)
		}
		for _, c := range convos {
			if wanted[strings.ToLower(c.Name)] {
				found[strings.ToLower(c.Name)] = c.ID
			}
		}
		if cursor == "" || len(found) == len(wanted) {
			break
		}
		params.Cursor = cursor
	}

	for _, name := range names {
		id, ok := found[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("channel %q not found", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// fetchChannelMessages pages through a channel's history between two Unix
// timestamps and pulls in thread replies, resolving reporter profiles as
// it goes.
func (b *Bot) fetchChannelMessages(channelID string, oldest, latest int64) ([]ChatMessage, error) {
	// Join public channels opportunistically; private channels need an
	// explicit invite.
	if _, _, _, err := b.api.JoinConversation(channelID); err != nil {
		switch err.Error() {
		case "already_in_channel", "is_private", "method_not_supported_for_channel_type":
		case "missing_scope":
			b.metrics.ChannelAccessError(channelID, "MISSING_SCOPE")
			return nil, fmt.Errorf("bot lacks permission to join channels")
		default:
			log.Printf("channel join warning channel=%s: %v", channelID, err)
		}
	}

	var messages []ChatMessage
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    strconv.FormatInt(oldest, 10),
		Latest:    strconv.FormatInt(latest, 10),
		Inclusive: true,
		Limit:     200,
	}
	for {
		history, err := b.api.GetConversationHistory(params)
		if err != nil {
			switch err.Error() {
			case "not_in_channel":
				b.metrics.ChannelAccessError(channelID, "NOT_IN_CHANNEL")
				return nil, fmt.Errorf("bot needs to be invited to this channel first")
			case "missing_scope":
				b.metrics.ChannelAccessError(channelID, "MISSING_SCOPE")
				return nil, fmt.Errorf("missing required history permission")
			}
			b.metrics.ChannelAccessError(channelID, "FETCH_FAILED")
			return nil, fmt.Errorf("fetching messages: %w", err)
		}

		for _, msg := range history.Messages {
			messages = append(messages, b.toChatMessage(channelID, msg.Msg))
			if msg.ThreadTimestamp == msg.Timestamp && msg.ReplyCount > 0 {
				replies, err := b.fetchThreadReplies(channelID, msg.Timestamp)
				if err != nil {
					log.Printf("thread fetch error channel=%s ts=%s: %v", channelID, msg.Timestamp, err)
					continue
				}
				messages = append(messages, replies...)
			}
		}

		if !history.HasMore || history.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = history.ResponseMetaData.NextCursor
	}

	log.Printf("channel fetch done channel=%s messages=%d", channelID, len(messages))
	return messages, nil
}

func (b *Bot) fetchThreadReplies(channelID, threadTS string) ([]ChatMessage, error) {
	var out []ChatMessage
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     200,
	}
	for {
		msgs, hasMore, cursor, err := b.api.GetConversationReplies(params)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			// The parent message is returned with the replies.
			if msg.Timestamp == threadTS {
				continue
			}
			out = append(out, b.toChatMessage(channelID, msg.Msg))
		}
		if !hasMore || cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return out, nil
}

func (b *Bot) toChatMessage(channelID string, msg slack.Msg) ChatMessage {
	profile := b.resolver.Resolve(msg.User)
	return ChatMessage{
		UserID:   msg.User,
		Reporter: profile.Name,
		Text:     msg.Text,
		TS:       msg.Timestamp,
		ThreadTS: msg.ThreadTimestamp,
	}
}

func (b *Bot) handleFeedbackStatus(cmd slack.SlashCommand) {
	sessionID := strings.TrimSpace(cmd.Text)
	if sessionID == "" {
		b.postEphemeral(cmd.ChannelID, cmd.UserID, "Usage: /feedback-status <session-id>")
		return
	}
	loaded, err := b.sessions.GetSessionWithItems(sessionID)
	if err != nil {
		b.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Error: %v", err))
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session `%s` (%s), %s to %s\n",
		loaded.Session.SessionID, loaded.Session.Status, loaded.Session.StartDate, loaded.Session.EndDate))
	for _, channelID := range sortedChannels(loaded.ItemsByChannel) {
		sb.WriteString(fmt.Sprintf("\n<#%s>:\n", channelID))
		for _, item := range loaded.ItemsByChannel[channelID] {
			mark := "•"
			if !item.Included() {
				mark = "⊘"
			}
			sb.WriteString(fmt.Sprintf("%s [%d] %s (%s/%s, %s)\n",
				mark, item.Index, item.Title, item.Type, item.Priority, strings.ToLower(item.Status)))
		}
	}
	b.postEphemeral(cmd.ChannelID, cmd.UserID, sb.String())
}

func sortedChannels(byChannel map[string][]FeedbackItem) []string {
	channels := make([]string, 0, len(byChannel))
	for channelID := range byChannel {
		channels = append(channels, channelID)
	}
	sort.Strings(channels)
	return channels
}

func (b *Bot) handleInteraction(cb slack.InteractionCallback) {
	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		b.handleBlockActions(cb)
	case slack.InteractionTypeViewSubmission:
		b.handleViewSubmission(cb)
	}
}

func (b *Bot) handleBlockActions(cb slack.InteractionCallback) {
	if len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	act := cb.ActionCallback.BlockActions[0]
	channelID := cb.Channel.ID
	if channelID == "" {
		channelID = cb.Container.ChannelID
	}
	userID := cb.User.ID

	switch act.ActionID {
	case actionReviewOpen:
		b.openReviewModal(cb.TriggerID, channelID, userID, strings.TrimSpace(act.Value))
	case actionProjectKeyOpen:
		b.openProjectKeyModal(cb.TriggerID, channelID, userID, strings.TrimSpace(act.Value))
	case actionCreateTickets:
		b.createTickets(channelID, userID, strings.TrimSpace(act.Value))
	case actionItemMenu:
		val := strings.TrimSpace(act.SelectedOption.Value)
		if val == "" {
			val = strings.TrimSpace(act.Value)
		}
		b.handleItemMenu(cb, channelID, userID, val)
	}
}

// handleItemMenu dispatches a review-modal row action: edit pushes a new
// modal (fresh trigger id per transition), exclude/include mutate the item
// and re-render the open review view in place.
func (b *Bot) handleItemMenu(cb slack.InteractionCallback, channelID, userID, val string) {
	verb, sessionID, itemChannel, index, err := parseItemMenuValue(val)
	if err != nil {
		log.Printf("item menu parse error value=%q: %v", val, err)
		return
	}

	switch verb {
	case "edit":
		b.openEditModal(cb.TriggerID, channelID, userID, sessionID, itemChannel, index)
		return
	case "exclude":
		if err := b.sessions.ExcludeItem(sessionID, itemChannel, index, userID); err != nil {
			log.Printf("exclude error session=%s item=%s#%d: %v", sessionID, itemChannel, index, err)
		}
	case "include":
		if err := b.sessions.IncludeItem(sessionID, itemChannel, index, userID); err != nil {
			log.Printf("include error session=%s item=%s#%d: %v", sessionID, itemChannel, index, err)
		}
	default:
		return
	}

	if cb.View.ID != "" {
		view, buildErr := b.buildReviewModal(sessionID)
		if buildErr != nil {
			log.Printf("review rebuild error session=%s: %v", sessionID, buildErr)
			return
		}
		if _, err := b.api.UpdateView(view, "", cb.View.Hash, cb.View.ID); err != nil {
			log.Printf("review update error session=%s: %v", sessionID, err)
		}
	}
}

func parseItemMenuValue(val string) (verb, sessionID, channelID string, index int, err error) {
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return "", "", "", 0, fmt.Errorf("malformed menu value")
	}
	verb = parts[0]
	ref := strings.Split(parts[1], "|")
	if len(ref) != 3 {
		return "", "", "", 0, fmt.Errorf("malformed item reference")
	}
	index, err = strconv.Atoi(ref[2])
	if err != nil {
		return "", "", "", 0, fmt.Errorf("malformed item index: %w", err)
	}
	return verb, ref[0], ref[1], index, nil
}

func (b *Bot) openReviewModal(triggerID, channelID, userID, sessionID string) {
	view, err := b.buildReviewModal(sessionID)
	if err != nil {
		b.postEphemeral(channelID, userID, fmt.Sprintf("Unable to load session: %v", err))
		return
	}
	if _, err := b.api.OpenView(triggerID, view); err != nil {
		b.postEphemeral(channelID, userID, fmt.Sprintf("Unable to open review dialog: %v", err))
	}
}

func (b *Bot) buildReviewModal(sessionID string) (slack.ModalViewRequest, error) {
	loaded, err := b.sessions.GetSessionWithItems(sessionID)
	if err != nil {
		return slack.ModalViewRequest{}, err
	}

	var blocks []slack.Block
	shown := 0
	for _, channelID := range sortedChannels(loaded.ItemsByChannel) {
		blocks = append(blocks, slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, fmt.Sprintf("#%s", channelID), false, false)))
		for _, item := range loaded.ItemsByChannel[channelID] {
			if shown >= reviewItemPageSize {
				blocks = append(blocks, slack.NewContextBlock("",
					slack.NewTextBlockObject(slack.MarkdownType, "_More items not shown. Use /feedback-status for the full list._", false, false)))
				break
			}
			shown++

			status := ""
			if !item.Included() {
				status = " ~(excluded)~"
			}
			text := fmt.Sprintf("*[%d] %s*%s\n%s/%s — %s", item.Index, item.Title, status, item.Type, item.Priority, truncateText(item.Description, 150))

			ref := fmt.Sprintf("%s|%s|%d", sessionID, item.ChannelID, item.Index)
			toggleLabel, toggleVerb := "Exclude", "exclude"
			if !item.Included() {
				toggleLabel, toggleVerb = "Include", "include"
			}
			menu := slack.NewOverflowBlockElement(actionItemMenu,
				slack.NewOptionBlockObject("edit:"+ref,
					slack.NewTextBlockObject(slack.PlainTextType, "Edit", false, false), nil),
				slack.NewOptionBlockObject(toggleVerb+":"+ref,
					slack.NewTextBlockObject(slack.PlainTextType, toggleLabel, false, false), nil),
			)
			blocks = append(blocks, slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
				nil,
				slack.NewAccessory(menu),
			))
		}
	}
	if shown == 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "No feedback items were collected for this session.", false, false), nil, nil))
	}

	return slack.ModalViewRequest{
		Type:            slack.VTModal,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "Review feedback", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Done", false, false),
		CallbackID:      modalReviewCallbackID,
		PrivateMetadata: reviewMetaPrefix + sessionID,
		Blocks:          slack.Blocks{BlockSet: blocks},
	}, nil
}

func truncateText(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func (b *Bot) openEditModal(triggerID, channelID, userID, sessionID, itemChannel string, index int) {
	loaded, err := b.sessions.GetSessionWithItems(sessionID)
	if err != nil {
		b.postEphemeral(channelID, userID, fmt.Sprintf("Unable to load session: %v", err))
		return
	}
	var item *FeedbackItem
	for i, it := range loaded.ItemsByChannel[itemChannel] {
		if it.Index == index {
			item = &loaded.ItemsByChannel[itemChannel][i]
			break
		}
	}
	if item == nil {
		b.postEphemeral(channelID, userID, "Item not found.")
		return
	}

	textInput := func(blockID, label, initial string, multiline, optional bool) slack.Block {
		input := slack.NewPlainTextInputBlockElement(
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false),
			editActionInput,
		)
		input.Multiline = multiline
		if initial != "" {
			input = input.WithInitialValue(initial)
		}
		block := slack.NewInputBlock(blockID,
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false), nil, input)
		block.Optional = optional
		return block
	}

	selectInput := func(blockID, label, current string, options []string) slack.Block {
		var opts []*slack.OptionBlockObject
		var initial *slack.OptionBlockObject
		for _, val := range options {
			opt := slack.NewOptionBlockObject(val,
				slack.NewTextBlockObject(slack.PlainTextType, val, false, false), nil)
			opts = append(opts, opt)
			if val == current {
				initial = opt
			}
		}
		sel := slack.NewOptionsSelectBlockElement(slack.OptTypeStatic,
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false),
			editActionInput, opts...)
		if initial != nil {
			sel.InitialOption = initial
		} else {
			sel.InitialOption = opts[0]
		}
		return slack.NewInputBlock(blockID,
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false), nil, sel)
	}

	blocks := []slack.Block{
		textInput(editBlockTitle, "Title", item.Title, false, false),
		textInput(editBlockDescription, "Description", item.Description, true, false),
		selectInput(editBlockType, "Type", item.Type, []string{"BUG", "FEATURE", "IMPROVEMENT"}),
		selectInput(editBlockPriority, "Priority", item.Priority, []string{"HIGH", "MEDIUM", "LOW"}),
		textInput(editBlockImpact, "User impact", item.UserImpact, true, true),
		textInput(editBlockCurrent, "Current behavior", item.CurrentBehavior, true, true),
		textInput(editBlockExpected, "Expected behavior", item.ExpectedBehavior, true, true),
		textInput(editBlockContext, "Additional context", item.AdditionalContext, true, true),
	}

	view := slack.ModalViewRequest{
		Type:            slack.VTModal,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "Edit feedback item", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Submit:          slack.NewTextBlockObject(slack.PlainTextType, "Save", false, false),
		CallbackID:      modalEditCallbackID,
		PrivateMetadata: fmt.Sprintf("%s%s|%s|%d", editMetaPrefix, sessionID, itemChannel, index),
		Blocks:          slack.Blocks{BlockSet: blocks},
	}
	if _, err := b.api.PushView(triggerID, view); err != nil {
		// Fall back to opening if there is no modal stack to push onto.
		if _, openErr := b.api.OpenView(triggerID, view); openErr != nil {
			b.postEphemeral(channelID, userID, fmt.Sprintf("Unable to open edit dialog: %v", openErr))
		}
	}
}

func (b *Bot) openProjectKeyModal(triggerID, channelID, userID, sessionID string) {
	loaded, err := b.sessions.GetSessionWithItems(sessionID)
	if err != nil {
		b.postEphemeral(channelID, userID, fmt.Sprintf("Unable to load session: %v", err))
		return
	}

	var blocks []slack.Block
	blocks = append(blocks, slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType,
			"Set the Jira project key for each channel (e.g. `PROJ` or `PROJ-123`).", false, false), nil, nil))

	for _, chID := range loaded.Session.Channels {
		initial := ""
		if cfg, cfgErr := b.sessions.GetChannelConfig(sessionID, chID); cfgErr == nil {
			initial = cfg.ProjectKey
		}
		input := slack.NewPlainTextInputBlockElement(
			slack.NewTextBlockObject(slack.PlainTextType, "Project key", false, false),
			editActionInput,
		)
		if initial != "" {
			input = input.WithInitialValue(initial)
		}
		blocks = append(blocks, slack.NewInputBlock("project_key_"+chID,
			slack.NewTextBlockObject(slack.PlainTextType, fmt.Sprintf("Channel %s", chID), false, false),
			nil, input))
	}

	view := slack.ModalViewRequest{
		Type:            slack.VTModal,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "Project keys", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Submit:          slack.NewTextBlockObject(slack.PlainTextType, "Save", false, false),
		CallbackID:      modalProjectKeyCallbackID,
		PrivateMetadata: fmt.Sprintf("%s%s|%s", projectMetaPrefix, sessionID, channelID),
		Blocks:          slack.Blocks{BlockSet: blocks},
	}
	if _, err := b.api.OpenView(triggerID, view); err != nil {
		b.postEphemeral(channelID, userID, fmt.Sprintf("Unable to open project key dialog: %v", err))
	}
}

func (b *Bot) handleViewSubmission(cb slack.InteractionCallback) {
	switch cb.View.CallbackID {
	case modalEditCallbackID:
		b.handleEditSubmission(cb)
	case modalProjectKeyCallbackID:
		b.handleProjectKeySubmission(cb)
	}
}

func (b *Bot) handleEditSubmission(cb slack.InteractionCallback) {
	meta := strings.TrimPrefix(strings.TrimSpace(cb.View.PrivateMetadata), editMetaPrefix)
	parts := strings.Split(meta, "|")
	if len(parts) != 3 {
		return
	}
	sessionID, itemChannel := parts[0], parts[1]
	index, err := strconv.Atoi(parts[2])
	if err != nil {
		return
	}
	if cb.View.State == nil {
		return
	}
	values := cb.View.State.Values

	fieldValue := func(blockID string) string {
		action := values[blockID][editActionInput]
		if action.SelectedOption.Value != "" {
			return strings.TrimSpace(action.SelectedOption.Value)
		}
		return strings.TrimSpace(action.Value)
	}

	updates := map[string]string{
		"title":              fieldValue(editBlockTitle),
		"description":        fieldValue(editBlockDescription),
		"type":               fieldValue(editBlockType),
		"priority":           fieldValue(editBlockPriority),
		"user_impact":        fieldValue(editBlockImpact),
		"current_behavior":   fieldValue(editBlockCurrent),
		"expected_behavior":  fieldValue(editBlockExpected),
		"additional_context": fieldValue(editBlockContext),
	}
	if updates["title"] == "" || updates["description"] == "" {
		return
	}

	if _, _, err := b.sessions.UpdateFeedbackItem(sessionID, itemChannel, index, updates, cb.User.ID); err != nil {
		log.Printf("edit modal update error session=%s item=%s#%d: %v", sessionID, itemChannel, index, err)
	}
}

func (b *Bot) handleProjectKeySubmission(cb slack.InteractionCallback) {
	meta := strings.TrimPrefix(strings.TrimSpace(cb.View.PrivateMetadata), projectMetaPrefix)
	parts := strings.Split(meta, "|")
	if len(parts) != 2 {
		return
	}
	sessionID, sourceChannel := parts[0], parts[1]
	if cb.View.State == nil {
		return
	}

	var rejected []string
	for blockID, actions := range cb.View.State.Values {
		if !strings.HasPrefix(blockID, "project_key_") {
			continue
		}
		chID := strings.TrimPrefix(blockID, "project_key_")
		key := strings.ToUpper(strings.TrimSpace(actions[editActionInput].Value))
		if key == "" {
			continue
		}
		if err := b.sessions.SetProjectKey(sessionID, chID, key, cb.User.ID); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", chID, err))
		}
	}

	if len(rejected) > 0 && sourceChannel != "" {
		sort.Strings(rejected)
		b.postEphemeral(sourceChannel, cb.User.ID, "Some project keys were not saved:\n• "+strings.Join(rejected, "\n• "))
	}
}

// createTickets reconciles every channel that has a project key bound and
// posts a per-item outcome summary.
func (b *Bot) createTickets(channelID, userID, sessionID string) {
	loaded, err := b.sessions.GetSessionWithItems(sessionID)
	if err != nil {
		b.postEphemeral(channelID, userID, fmt.Sprintf("Unable to load session: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var sb strings.Builder
	ranAny := false
	for _, chID := range loaded.Session.Channels {
		cfg, cfgErr := b.sessions.GetChannelConfig(sessionID, chID)
		if cfgErr != nil || cfg.ProjectKey == "" {
			sb.WriteString(fmt.Sprintf("<#%s>: no project key set, skipped\n", chID))
			continue
		}
		ranAny = true

		result, recErr := b.reconciler.ReconcileChannel(ctx, sessionID, chID, cfg.ProjectKey, userID)
		if recErr != nil {
			sb.WriteString(fmt.Sprintf("<#%s>: reconcile failed: %v\n", chID, recErr))
			continue
		}
		sb.WriteString(formatReconcileSummary(chID, cfg.ProjectKey, result))
	}

	if ranAny {
		if err := b.sessions.CompleteSession(sessionID, userID); err != nil {
			log.Printf("complete session error session=%s: %v", sessionID, err)
		}
	}
	b.postEphemeral(channelID, userID, sb.String())
}

func formatReconcileSummary(channelID, projectKey string, result ReconcileResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<#%s> → %s: %d created, %d duplicates, %d errors\n",
		channelID, projectKey, len(result.Created), len(result.Duplicates), len(result.Errors)))
	for _, c := range result.Created {
		sb.WriteString(fmt.Sprintf("  :white_check_mark: <%s|%s> %s\n", c.TicketURL, c.TicketKey, c.Title))
	}
	for _, d := range result.Duplicates {
		sb.WriteString(fmt.Sprintf("  :twisted_rightwards_arrows: %s duplicates %s (%.0f%%)\n", d.Title, d.MatchedKey, d.Similarity*100))
	}
	for _, e := range result.Errors {
		sb.WriteString(fmt.Sprintf("  :x: %s — %s\n", e.Title, e.Err))
	}
	return sb.String()
}

func (b *Bot) postEphemeral(channelID, userID, text string) {
	if channelID == "" || userID == "" {
		return
	}
	if _, err := b.api.PostEphemeral(channelID, userID, slack.MsgOptionText(text, false)); err != nil {
		log.Printf("Error posting ephemeral: %v", err)
	}
}
