package kms

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

const (
	MemberKeyType    = "member-key"
	MemberNameTag    = "member-name"
	memberKeyNameFmt = "mk-%s-%s"
)

// MemberStore keeps recovery member keys in a KeyStore, namespaced by the
// host data of the running environment. A new deployment with different host
// data never sees the keys of a previous one.
type MemberStore struct {
	keys     interfaces.KeyStore
	hostData interfaces.HostDataProvider
}

func NewMemberStore(keys interfaces.KeyStore, hostData interfaces.HostDataProvider) *MemberStore {
	return &MemberStore{keys: keys, hostData: hostData}
}

func (s *MemberStore) memberKeyName(ctx context.Context, memberName string) (string, error) {
	if memberName == "" {
		return "", interfaces.NewError(interfaces.ValidationError, interfaces.CodeMemberNameMissing, "memberName must be specified")
	}
	hostData, err := s.hostData.HostData(ctx)
	if err != nil {
		return "", fmt.Errorf("reading host data: %w", err)
	}
	return fmt.Sprintf(memberKeyNameFmt, memberName, strings.ToLower(hostData)), nil
}

func (s *MemberStore) memberTags(memberName string) map[string]string {
	return map[string]string{MemberNameTag: memberName}
}

func (s *MemberStore) GenerateSigningKey(ctx context.Context, memberName string) (*interfaces.SigningKeyInfo, error) {
	kid, err := s.memberKeyName(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return s.keys.GenerateSigningKey(ctx, kid, MemberKeyType, s.memberTags(memberName))
}

func (s *MemberStore) GetSigningKey(ctx context.Context, memberName string) (*interfaces.SigningKeyInfo, error) {
	kid, err := s.memberKeyName(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return s.keys.GetSigningKey(ctx, kid)
}

func (s *MemberStore) ReleaseSigningKey(ctx context.Context, memberName string) (*interfaces.SigningPrivateKeyInfo, error) {
	kid, err := s.memberKeyName(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return s.keys.ReleaseSigningKey(ctx, kid)
}

func (s *MemberStore) GenerateEncryptionKey(ctx context.Context, memberName string) (*interfaces.EncryptionKeyInfo, error) {
	kid, err := s.memberKeyName(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return s.keys.GenerateEncryptionKey(ctx, kid, MemberKeyType, s.memberTags(memberName))
}

func (s *MemberStore) GetEncryptionKey(ctx context.Context, memberName string) (*interfaces.EncryptionKeyInfo, error) {
	kid, err := s.memberKeyName(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return s.keys.GetEncryptionKey(ctx, kid)
}

func (s *MemberStore) ReleaseEncryptionKey(ctx context.Context, memberName string) (*interfaces.EncryptionPrivateKeyInfo, error) {
	kid, err := s.memberKeyName(ctx, memberName)
	if err != nil {
		return nil, err
	}
	return s.keys.ReleaseEncryptionKey(ctx, kid)
}

// ListMembers returns the names of members with an encryption key under the
// current host data. Names come from the member-name tag.
func (s *MemberStore) ListMembers(ctx context.Context) ([]string, error) {
	keys, err := s.keys.ListEncryptionKeys(ctx, MemberKeyType)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []string{}, nil
	}

	hostData, err := s.hostData.HostData(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host data: %w", err)
	}
	suffix := "-" + strings.ToLower(hostData)

	names := []string{}
	seen := make(map[string]bool)
	for _, key := range keys {
		if !strings.HasSuffix(key.Kid, suffix) {
			continue
		}
		name, ok := key.Tags[MemberNameTag]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
