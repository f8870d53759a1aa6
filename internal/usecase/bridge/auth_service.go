package bridge

import (
	"errors"
	"fmt"

	"gauge-cycler/internal/config"
)

// AuthService 定义桥接客户端认证接口
type AuthService interface {
	// Login 验证用户名和密码 (登入 0x01)
	Login(username, password string) error
}

// InMemoryAuthService 基于配置用户表的简单认证服务
type InMemoryAuthService struct {
	users map[string]string
}

func NewInMemoryAuthService(authCfg config.AuthConfig) *InMemoryAuthService {
	users := make(map[string]string, len(authCfg.Users))
	for _, u := range authCfg.Users {
		users[u.Username] = u.Password
	}
	return &InMemoryAuthService{users: users}
}

func (s *InMemoryAuthService) Login(username, password string) error {
	expectedPwd, ok := s.users[username]
	if !ok {
		return fmt.Errorf("未知用户: %s", username)
	}
	if expectedPwd != password {
		return errors.New("密码错误")
	}
	return nil
}
