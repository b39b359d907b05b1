package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"burrow/protocol"
)

var validate = validator.New()

// ServerSetting 保存隧道服务端的全部运行配置。
type ServerSetting struct {
	// MinPort 和 MaxPort 限定可分配的公网端口区间。
	MinPort uint16 `validate:"min=1"`
	MaxPort uint16 `validate:"min=1"`
	// Secret 是旧版共享密钥模式的口令，留空即关闭。
	Secret string
	// BackendURL 指向管理面后端，留空即退化为全放行模式。
	BackendURL    string `validate:"omitempty,url"`
	BackendAPIKey string
	ServerID      string
	// BindAddr 是控制端口监听地址，BindTunnels 是公网监听地址。
	BindAddr    string `validate:"ip"`
	BindTunnels string `validate:"omitempty,ip"`
	ControlPort uint16
	// Blacklist 与 MaxConnsPerWindow 是控制端口前置的简单防护。
	Blacklist         map[string]bool
	MaxConnsPerWindow int
}

// BackendEnabled reports whether managed-key validation is configured.
func (c *ServerSetting) BackendEnabled() bool {
	return c.BackendURL != ""
}

// Verify 填充默认值并校验配置，非法配置直接拒绝启动。
func (c *ServerSetting) Verify() error {
	if c.ServerID == "" {
		c.ServerID = "default"
	}
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.BindTunnels == "" {
		c.BindTunnels = c.BindAddr
	}
	if c.ControlPort == 0 {
		c.ControlPort = protocol.ControlPort
	}
	if c.MaxConnsPerWindow == 0 {
		c.MaxConnsPerWindow = 2000
	}
	if c.MinPort > c.MaxPort {
		return fmt.Errorf("port range is empty")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid server setting: %s", err.Error())
	}
	return nil
}

// ClientSetting 保存隧道客户端的运行配置。
type ClientSetting struct {
	LocalHost string `validate:"required"`
	LocalPort uint16 `validate:"min=1"`
	// To 是隧道服务端主机名。
	To          string `validate:"required"`
	ControlPort uint16
	// Port 是期望的公网端口，0 表示由服务端分配。
	Port uint16
	// Secret 既可以是托管密钥（sk_/tk_ 前缀）也可以是旧版共享密钥。
	Secret string
	// Prewarm 开启本地服务预热连接池。
	Prewarm bool
}

// Verify 填充默认值并校验配置。
func (c *ClientSetting) Verify() error {
	if c.LocalHost == "" {
		c.LocalHost = "localhost"
	}
	if c.To == "" {
		c.To = "localhost"
	}
	if c.ControlPort == 0 {
		c.ControlPort = protocol.ControlPort
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid client setting: %s", err.Error())
	}
	return nil
}
