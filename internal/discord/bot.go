package discord

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"voicetime/internal/database"
	"voicetime/internal/models"
	"voicetime/internal/tracker"
)

// Bot adapts the Discord gateway to the tracking engine: it translates voice
// and member events into engine calls and serves as the roster provider.
type Bot struct {
	session  *discordgo.Session
	acc      *tracker.Accumulator
	recovery *tracker.Recovery
	repo     *database.Repository

	guildID    string
	tracked    map[string]struct{}
	exempt     map[string]struct{}
	awayMarker string
}

// New creates a new Discord bot
func New(token, guildID string, trackedGroups, exemptGroups []string, awayMarker string, repo *database.Repository, acc *tracker.Accumulator, recovery *tracker.Recovery) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates

	bot := &Bot{
		session:    session,
		acc:        acc,
		recovery:   recovery,
		repo:       repo,
		guildID:    guildID,
		tracked:    make(map[string]struct{}),
		exempt:     make(map[string]struct{}),
		awayMarker: awayMarker,
	}
	for _, g := range trackedGroups {
		bot.tracked[g] = struct{}{}
	}
	for _, g := range exemptGroups {
		bot.exempt[g] = struct{}{}
	}

	// Add event handlers
	session.AddHandler(bot.ready)
	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.guildMemberUpdate)
	session.AddHandler(bot.guildMemberRemove)

	return bot, nil
}

// Start starts the bot
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return nil
}

// Stop stops the bot
func (b *Bot) Stop() error {
	return b.session.Close()
}

// ready seeds activity rows for tracked members, recovers open sessions and
// reconciles them against the gateway's current voice states.
func (b *Bot) ready(s *discordgo.Session, _ *discordgo.Ready) {
	ctx := context.Background()
	log.Println("gateway ready")

	members, err := b.allMembers()
	if err != nil {
		log.Printf("ready: member scan failed: %v", err)
	}
	for _, m := range members {
		if !b.holdsTrackedGroup(m) {
			continue
		}
		if err := b.repo.UpsertUser(ctx, m.User.ID, displayName(m)); err != nil {
			log.Printf("ready: seed failed for %s: %v", m.User.ID, err)
		}
	}

	if _, _, err := b.recovery.Recover(ctx, timeNow()); err != nil {
		log.Printf("ready: recovery failed: %v", err)
	}
	b.reconcileVoiceStates(members)
}

// reconcileVoiceStates replays the gap between recovered sessions and the
// gateway's view: users in voice without a session get a join, recovered
// users no longer in voice get a leave, including users who left the guild
// entirely during downtime.
func (b *Bot) reconcileVoiceStates(members []*discordgo.Member) {
	ctx := context.Background()
	guild, err := b.session.State.Guild(b.guildID)
	if err != nil {
		log.Printf("reconcile: guild state unavailable: %v", err)
		return
	}

	inVoice := make(map[string]string)
	for _, vs := range guild.VoiceStates {
		inVoice[vs.UserID] = vs.ChannelID
	}

	memberIDs := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberIDs[m.User.ID] = struct{}{}
		channelID, connected := inVoice[m.User.ID]
		if connected {
			b.acc.HandleVoice(models.VoiceEvent{
				UserID:       m.User.ID,
				NewChannelID: channelID,
				DisplayName:  displayName(m),
				GroupNames:   b.roleNames(m),
			})
		} else if b.acc.HasOpenSession(ctx, m.User.ID) {
			b.acc.HandleVoice(models.VoiceEvent{
				UserID:      m.User.ID,
				DisplayName: displayName(m),
				GroupNames:  b.roleNames(m),
			})
		}
	}

	closeDepartedSessions(ctx, b.acc, memberIDs)
}

// closeDepartedSessions synthesizes leaves for open sessions whose user no
// longer appears in the member list, so a departed user's recovered session
// cannot keep accruing forever.
func closeDepartedSessions(ctx context.Context, acc *tracker.Accumulator, memberIDs map[string]struct{}) {
	sessions, err := acc.OpenSessions(ctx)
	if err != nil {
		log.Printf("reconcile: open session scan failed: %v", err)
		return
	}
	for _, sess := range sessions {
		if _, ok := memberIDs[sess.UserID]; ok {
			continue
		}
		log.Printf("reconcile: closing session for departed user %s", sess.UserID)
		acc.HandleVoice(models.VoiceEvent{UserID: sess.UserID, OldChannelID: sess.ChannelID})
	}
}

// voiceStateUpdate handles voice connection changes
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.GuildID != b.guildID {
		return
	}

	old := ""
	if vs.BeforeUpdate != nil {
		old = vs.BeforeUpdate.ChannelID
	}

	member := vs.Member
	if member == nil {
		member, _ = s.State.Member(vs.GuildID, vs.UserID)
	}

	ev := models.VoiceEvent{
		UserID:       vs.UserID,
		OldChannelID: old,
		NewChannelID: vs.ChannelID,
	}
	if member != nil {
		ev.DisplayName = displayName(member)
		ev.GroupNames = b.roleNames(member)
	}
	b.acc.HandleVoice(ev)
}

// guildMemberRemove closes any open session when a user leaves the guild.
func (b *Bot) guildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.GuildID != b.guildID {
		return
	}
	b.acc.HandleVoice(models.VoiceEvent{UserID: m.User.ID})
}

// guildMemberUpdate re-evaluates suspension on nickname or role changes
func (b *Bot) guildMemberUpdate(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if m.GuildID != b.guildID {
		return
	}
	b.acc.HandleMemberUpdate(m.User.ID, displayName(m.Member), b.roleNames(m.Member))
}

// Roster returns the current members holding the named group.
func (b *Bot) Roster(_ context.Context, groupName string) ([]models.Member, error) {
	members, err := b.allMembers()
	if err != nil {
		return nil, err
	}
	var roster []models.Member
	for _, m := range members {
		names := b.roleNames(m)
		for _, name := range names {
			if name == groupName {
				roster = append(roster, models.Member{
					UserID:      m.User.ID,
					DisplayName: displayName(m),
					Exempt:      b.isExempt(displayName(m), names),
				})
				break
			}
		}
	}
	return roster, nil
}

// ResetGroup zeroes the named group's durable totals and re-bases live
// tracking state so time accrued before the reset cannot flush afterwards.
func (b *Bot) ResetGroup(ctx context.Context, groupName, reason string) error {
	roster, err := b.Roster(ctx, groupName)
	if err != nil {
		return fmt.Errorf("failed to load roster for reset: %w", err)
	}
	userIDs := make([]string, 0, len(roster))
	for _, m := range roster {
		userIDs = append(userIDs, m.UserID)
	}
	return b.acc.ResetGroup(ctx, b.repo, groupName, userIDs, reason)
}

// isExempt mirrors the accumulator's suspension rule so exempt members land
// in the exempt bucket.
func (b *Bot) isExempt(display string, groupNames []string) bool {
	if b.awayMarker != "" && strings.Contains(display, b.awayMarker) {
		return true
	}
	for _, g := range groupNames {
		if _, ok := b.exempt[g]; ok {
			return true
		}
	}
	return false
}

// ChannelName resolves a channel ID to its name, empty when unknown.
func (b *Bot) ChannelName(channelID string) string {
	if channelID == "" {
		return ""
	}
	ch, err := b.session.State.Channel(channelID)
	if err != nil {
		return ""
	}
	return ch.Name
}

// MemberSnapshot lists the display names currently in the given voice channel.
func (b *Bot) MemberSnapshot(channelID string) []string {
	guild, err := b.session.State.Guild(b.guildID)
	if err != nil {
		return nil
	}
	var names []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		if m, err := b.session.State.Member(b.guildID, vs.UserID); err == nil {
			names = append(names, displayName(m))
		} else {
			names = append(names, vs.UserID)
		}
	}
	return names
}

// allMembers pages through the full guild member list.
func (b *Bot) allMembers() ([]*discordgo.Member, error) {
	var members []*discordgo.Member
	after := ""
	for {
		page, err := b.session.GuildMembers(b.guildID, after, 1000)
		if err != nil {
			return nil, fmt.Errorf("failed to list guild members: %w", err)
		}
		members = append(members, page...)
		if len(page) < 1000 {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// roleNames maps a member's role IDs to role names.
func (b *Bot) roleNames(m *discordgo.Member) []string {
	var names []string
	for _, roleID := range m.Roles {
		role, err := b.session.State.Role(b.guildID, roleID)
		if err != nil {
			continue
		}
		names = append(names, role.Name)
	}
	return names
}

// holdsTrackedGroup reports whether the member carries any tracked group.
func (b *Bot) holdsTrackedGroup(m *discordgo.Member) bool {
	for _, name := range b.roleNames(m) {
		if _, ok := b.tracked[name]; ok {
			return true
		}
	}
	return false
}

func timeNow() time.Time {
	return time.Now().UTC()
}

func displayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}
