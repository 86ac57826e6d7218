// Package local provides in-memory transport collaborators. They are the default
// wiring for tests and single-process use; every call is recorded so tests can
// assert on the traffic the engine produced.
package local

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cord-im/go-cord/crypto"
	"github.com/cord-im/go-cord/ids"
	"github.com/cord-im/go-cord/transport"
)

type SentMessage struct {
	ThreadID string
	Body     []byte
}

type Sender struct {
	mu       sync.Mutex
	sent     []SentMessage
	deliver  func(threadID string, body []byte)
	FailNext bool
}

func NewSender() *Sender {
	return &Sender{}
}

// OnDeliver registers a callback invoked for every accepted send.
func (s *Sender) OnDeliver(f func(threadID string, body []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = f
}

func (s *Sender) Send(threadID string, body []byte) error {
	s.mu.Lock()
	if s.FailNext {
		s.FailNext = false
		s.mu.Unlock()
		return errors.New("local: send unavailable")
	}
	s.sent = append(s.sent, SentMessage{ThreadID: threadID, Body: body})
	deliver := s.deliver
	s.mu.Unlock()
	if deliver != nil {
		deliver(threadID, body)
	}
	return nil
}

func (s *Sender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Sender) SentTo(threadID string) []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, 0)
	for _, m := range s.sent {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out
}

type PushRegistrar struct {
	mu           sync.Mutex
	subscribed   map[string]bool
	revoked      map[string]bool
	unrevokes    int
	FailUnrevoke bool
}

func NewPushRegistrar() *PushRegistrar {
	return &PushRegistrar{
		subscribed: make(map[string]bool),
		revoked:    make(map[string]bool),
	}
}

func (p *PushRegistrar) Subscribe(sessionIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range sessionIDs {
		p.subscribed[id] = true
	}
	return nil
}

func (p *PushRegistrar) Unsubscribe(sessionIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range sessionIDs {
		delete(p.subscribed, id)
	}
	return nil
}

func (p *PushRegistrar) UnrevokeSubaccounts(groupID string, tokens [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailUnrevoke {
		return errors.New("local: unrevoke unavailable")
	}
	p.unrevokes++
	for _, tok := range tokens {
		delete(p.revoked, fmt.Sprintf("%s:%x", groupID, tok))
	}
	return nil
}

func (p *PushRegistrar) RevokeSubaccount(groupID string, token []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[fmt.Sprintf("%s:%x", groupID, token)] = true
	return nil
}

func (p *PushRegistrar) Subscribed(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed[sessionID]
}

func (p *PushRegistrar) Revoked(groupID string, token []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revoked[fmt.Sprintf("%s:%x", groupID, token)]
}

func (p *PushRegistrar) Unrevokes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unrevokes
}

type memberStatus struct {
	memberID   string
	roleStatus int
}

type ConfigService struct {
	mu       sync.Mutex
	secrets  map[string][]byte
	members  map[string]map[string]bool
	statuses map[string][]memberStatus
	rekeys   map[string]int
}

func NewConfigService() *ConfigService {
	return &ConfigService{
		secrets:  make(map[string][]byte),
		members:  make(map[string]map[string]bool),
		statuses: make(map[string][]memberStatus),
		rekeys:   make(map[string]int),
	}
}

func (c *ConfigService) CreateGroup(name string, memberIDs []string) (string, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	groupID := ids.NewGroupID()
	secret := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, secret); err != nil {
		return "", nil, err
	}
	c.secrets[groupID] = secret
	c.members[groupID] = make(map[string]bool)
	for _, id := range memberIDs {
		c.members[groupID][id] = true
	}
	return groupID, secret, nil
}

func (c *ConfigService) GenerateAuthData(groupID, memberID string) (*transport.AuthData, error) {
	token, err := c.GenerateSubaccountToken(groupID, memberID)
	if err != nil {
		return nil, err
	}
	return &transport.AuthData{MemberID: memberID, Token: token}, nil
}

func (c *ConfigService) GenerateSubaccountToken(groupID, memberID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	secret, ok := c.secrets[groupID]
	if !ok {
		// groups formed elsewhere still get deterministic tokens
		secret = []byte(groupID)
	}
	return crypto.SubaccountToken(secret, memberID), nil
}

func (c *ConfigService) UpdateMemberStatus(groupID, memberID string, roleStatus int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[groupID] = append(c.statuses[groupID], memberStatus{memberID, roleStatus})
	return nil
}

func (c *ConfigService) AddMembers(groupID string, memberIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members[groupID] == nil {
		c.members[groupID] = make(map[string]bool)
	}
	for _, id := range memberIDs {
		c.members[groupID][id] = true
	}
	return nil
}

func (c *ConfigService) RemoveMembers(groupID string, memberIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range memberIDs {
		delete(c.members[groupID], id)
	}
	return nil
}

func (c *ConfigService) Rekey(groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rekeys[groupID]++
	return nil
}

func (c *ConfigService) Rekeys(groupID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rekeys[groupID]
}

func (c *ConfigService) HasMember(groupID, memberID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[groupID][memberID]
}

type Uploader struct {
	mu      sync.Mutex
	uploads int
	Fail    bool
}

func NewUploader() *Uploader {
	return &Uploader{}
}

func (u *Uploader) Upload(data []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Fail {
		return "", errors.New("local: upload unavailable")
	}
	u.uploads++
	return fmt.Sprintf("local://upload/%d", u.uploads), nil
}
