package warden

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// gormDB creates a new GORM database connection for testing purposes.
//
// The function creates a temporary directory, constructs a SQLite database
// file path within it, and initializes the database using the CreateDB
// function. If there is an error during database creation, the test fails
// with a fatal error.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

// testLogger returns a logger tagged with the test name, writing to
// stdout at debug level.
func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			},
		),
	).With("test", t.Name())
}

// testDatabase creates a DBI backed by a temp-dir sqlite file.
func testDatabase(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(gormDB(t), testLogger(t), false)
}

// newTestWarden assembles a Warden wired to a mock discord session and
// a temp sqlite database, without connecting to discord or starting the
// API. The returned mock session records every REST call made.
func newTestWarden(t testing.TB) (*Warden, *mockDiscordSession) {
	t.Helper()

	cfg := DefaultConfig()
	db := testDatabase(t)
	session := newMockDiscordSession()

	w := &Warden{
		config:  cfg,
		writeDB: db,
		logger:  testLogger(t),
	}
	w.discord = &Discord{
		config:  cfg.Discord,
		logger:  w.logger,
		session: session,
		w:       w,
	}
	w.caseLedger = NewCaseLedger(db, w.logger)
	w.executor = NewExecutor(
		session,
		w.caseLedger,
		db,
		nil,
		10*time.Millisecond,
		cfg.Moderation.MaxTimeout,
		w.logger,
	)
	router, err := newCommandRouter(w)
	require.NoError(t, err)
	w.router = router

	return w, session
}

// newTestMessage builds an incoming guild message for dispatch tests.
func newTestMessage(
	guildID string,
	channelID string,
	author *discordgo.User,
	content string,
) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-id",
			GuildID:   guildID,
			ChannelID: channelID,
			Author:    author,
			Content:   content,
		},
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

type sentMessage struct {
	ChannelID string
	Content   string
	Embed     *discordgo.MessageEmbed
	Reference *discordgo.MessageReference
}

type timeoutCall struct {
	GuildID string
	UserID  string
	Until   *time.Time
}

// mockDiscordSession implements DiscordSessionHandler for testing,
// recording the REST calls made against it. Errors can be injected per
// method name, either persistently via errs or for a single call via
// errsOnce.
type mockDiscordSession struct {
	mu sync.Mutex

	// errs returns the given error on every call to the named method
	errs map[string]error

	// errsOnce returns the given error on the next call to the named
	// method, then is cleared
	errsOnce map[string]error

	// callCounts tracks calls per method name
	callCounts map[string]int

	// users served by User lookups, keyed by ID
	users map[string]*discordgo.User

	// members served by GuildMember lookups, keyed by user ID
	members map[string]*discordgo.User

	// permissions returned by UserChannelPermissions
	permissions int64

	guild *discordgo.Guild

	messages       []sentMessage
	editedMessages []sentMessage
	timeouts       []timeoutCall
	kicks          []string
	bans           []string
	unbans         []string
	bulkDeletes    [][]string

	messageCounter int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		errs:       map[string]error{},
		errsOnce:   map[string]error{},
		callCounts: map[string]int{},
		users:      map[string]*discordgo.User{},
		members:    map[string]*discordgo.User{},
		guild:      &discordgo.Guild{ID: "guild-id", Name: "Test Guild"},
	}
}

// failWith makes the named method return err on every call.
func (m *mockDiscordSession) failWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

// failOnceWith makes the named method return err on its next call only.
func (m *mockDiscordSession) failOnceWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errsOnce[method] = err
}

func (m *mockDiscordSession) addUser(u *discordgo.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.members[u.ID] = u
}

// addUserNotInGuild registers a user that resolves via User lookups
// but is not a member of the guild.
func (m *mockDiscordSession) addUserNotInGuild(u *discordgo.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *mockDiscordSession) calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *mockDiscordSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage{}, m.messages...)
}

func (m *mockDiscordSession) lastMessage() *sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return nil
	}
	msg := m.messages[len(m.messages)-1]
	return &msg
}

func (m *mockDiscordSession) recordedTimeouts() []timeoutCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]timeoutCall{}, m.timeouts...)
}

// record bumps the method's call count and returns the injected error
// for it, if any. Callers must hold m.mu.
func (m *mockDiscordSession) record(method string) error {
	m.callCounts[method]++
	if err, ok := m.errsOnce[method]; ok {
		delete(m.errsOnce, method)
		return err
	}
	return m.errs[method]
}

func (m *mockDiscordSession) nextMessageID() string {
	m.messageCounter++
	return fmt.Sprintf("mock-message-%d", m.messageCounter)
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("Open")
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("Close")
}

func (m *mockDiscordSession) AddHandler(any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.record("AddHandler")
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ChannelMessageSend"); err != nil {
		return nil, err
	}
	m.messages = append(
		m.messages, sentMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{
		ID:        m.nextMessageID(),
		ChannelID: channelID,
		Content:   message,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ChannelMessageSendReply"); err != nil {
		return nil, err
	}
	m.messages = append(
		m.messages, sentMessage{
			ChannelID: channelID,
			Content:   content,
			Reference: reference,
		},
	)
	return &discordgo.Message{
		ID:        m.nextMessageID(),
		ChannelID: channelID,
		Content:   content,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ChannelMessageSendEmbed"); err != nil {
		return nil, err
	}
	m.messages = append(
		m.messages, sentMessage{ChannelID: channelID, Embed: embed},
	)
	return &discordgo.Message{
		ID:        m.nextMessageID(),
		ChannelID: channelID,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageEditEmbed(
	channelID string,
	messageID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ChannelMessageEditEmbed"); err != nil {
		return nil, err
	}
	m.editedMessages = append(
		m.editedMessages, sentMessage{ChannelID: channelID, Embed: embed},
	)
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ChannelMessages"); err != nil {
		return nil, err
	}
	messages := make([]*discordgo.Message, 0, limit)
	for i := 0; i < limit; i++ {
		messages = append(
			messages, &discordgo.Message{
				ID:        fmt.Sprintf("channel-message-%d", i),
				ChannelID: channelID,
				Timestamp: time.Now().Add(-time.Minute),
			},
		)
	}
	return messages, nil
}

func (m *mockDiscordSession) ChannelMessagesBulkDelete(
	_ string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ChannelMessagesBulkDelete"); err != nil {
		return err
	}
	m.bulkDeletes = append(m.bulkDeletes, messages)
	return nil
}

func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Channel"); err != nil {
		return nil, err
	}
	return &discordgo.Channel{
		ID:      channelID,
		GuildID: m.guild.ID,
		Type:    discordgo.ChannelTypeGuildText,
	}, nil
}

func (m *mockDiscordSession) ChannelEdit(
	channelID string,
	_ *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ChannelEdit"); err != nil {
		return nil, err
	}
	return &discordgo.Channel{ID: channelID, GuildID: m.guild.ID}, nil
}

func (m *mockDiscordSession) ChannelPermissionSet(
	_ string,
	_ string,
	_ discordgo.PermissionOverwriteType,
	_ int64,
	_ int64,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("ChannelPermissionSet")
}

func (m *mockDiscordSession) Guild(
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Guild"); err != nil {
		return nil, err
	}
	return m.guild, nil
}

func (m *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GuildMember"); err != nil {
		return nil, err
	}
	user, ok := m.members[userID]
	if !ok {
		return nil, &discordgo.RESTError{
			Response: &http.Response{StatusCode: http.StatusNotFound},
			Message:  &discordgo.APIErrorMessage{Message: "Unknown Member"},
		}
	}
	return &discordgo.Member{User: user}, nil
}

func (m *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GuildMemberTimeout"); err != nil {
		return err
	}
	m.timeouts = append(
		m.timeouts, timeoutCall{GuildID: guildID, UserID: userID, Until: until},
	)
	return nil
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	_ string,
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GuildMemberDeleteWithReason"); err != nil {
		return err
	}
	m.kicks = append(m.kicks, userID)
	return nil
}

func (m *mockDiscordSession) GuildBanCreateWithReason(
	_ string,
	userID string,
	_ string,
	_ int,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GuildBanCreateWithReason"); err != nil {
		return err
	}
	m.bans = append(m.bans, userID)
	return nil
}

func (m *mockDiscordSession) GuildBanDelete(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GuildBanDelete"); err != nil {
		return err
	}
	m.unbans = append(m.unbans, userID)
	return nil
}

func (m *mockDiscordSession) User(
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("User"); err != nil {
		return nil, err
	}
	user, ok := m.users[userID]
	if !ok {
		return nil, &discordgo.RESTError{
			Response: &http.Response{StatusCode: http.StatusNotFound},
			Message:  &discordgo.APIErrorMessage{Message: "Unknown User"},
		}
	}
	return user, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UserChannelCreate"); err != nil {
		return nil, err
	}
	return &discordgo.Channel{
		ID:   fmt.Sprintf("dm-%s", recipientID),
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (m *mockDiscordSession) UserChannelPermissions(
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UserChannelPermissions"); err != nil {
		return 0, err
	}
	return m.permissions, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("UpdateCustomStatus")
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (m *mockDiscordSession) GatewayBot(...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GatewayBot"); err != nil {
		return nil, err
	}
	return &discordgo.GatewayBotResponse{Shards: 1}, nil
}
