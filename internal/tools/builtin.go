package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/6tail/lunar-go/calendar"

	"github.com/echobridge/echobridge/pkg/types"
)

// Host is the slice of connection behaviour the built-in tools need. The
// session connection implements it; tests use fakes.
type Host interface {
	// RequestExit asks the connection to close once the farewell finishes
	// playing.
	RequestExit(farewell string)

	// SetRole switches the active persona. Unknown names return an error.
	SetRole(ctx context.Context, name string) error

	// RoleNames lists the configured persona names.
	RoleNames() []string

	// SetVolume pushes a volume change to the device.
	SetVolume(ctx context.Context, level int) error

	// Volume returns the last reported device volume.
	Volume() int
}

var weekdaysZh = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// RegisterBuiltins wires the standard voice tools against host. The clock is
// injectable for tests; pass time.Now in production.
func RegisterBuiltins(r *Registry, host Host, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	handlers := []Handler{
		timeTool(now),
		lunarTool(now),
		exitTool(host),
		roleTool(host),
		deviceTool(host),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func timeTool(now func() time.Time) Handler {
	return Handler{
		Definition: types.ToolDefinition{
			Name:        "get_time",
			Description: "Get the current date, time and weekday. Use when the user asks about today's date or the time.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Run: func(_ context.Context, _ Invocation) (Outcome, error) {
			t := now()
			result := fmt.Sprintf("当前时间：%s %s %s",
				t.Format("2006年01月02日"), weekdaysZh[t.Weekday()], t.Format("15:04"))
			return Outcome{Action: ActionReqLLM, Result: result}, nil
		},
	}
}

func lunarTool(now func() time.Time) Handler {
	return Handler{
		Definition: types.ToolDefinition{
			Name:        "get_lunar",
			Description: "Get today's date in the Chinese lunar calendar, including the zodiac animal.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Run: func(_ context.Context, _ Invocation) (Outcome, error) {
			lunar := calendar.NewSolarFromDate(now()).GetLunar()
			result := fmt.Sprintf("农历：%s年%s月%s，生肖%s",
				lunar.GetYearInGanZhi(), lunar.GetMonthInChinese(), lunar.GetDayInChinese(), lunar.GetYearShengXiao())
			return Outcome{Action: ActionReqLLM, Result: result}, nil
		},
	}
}

func exitTool(host Host) Handler {
	return Handler{
		Definition: types.ToolDefinition{
			Name:        "handle_exit_intent",
			Description: "End the conversation when the user says goodbye or asks to stop talking.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"say_goodbye": map[string]any{
						"type":        "string",
						"description": "The farewell sentence to speak before closing.",
					},
				},
			},
		},
		Run: func(_ context.Context, inv Invocation) (Outcome, error) {
			farewell, _ := inv.Args["say_goodbye"].(string)
			if strings.TrimSpace(farewell) == "" {
				farewell = "再见，期待下次聊天。"
			}
			host.RequestExit(farewell)
			return Outcome{Action: ActionResponse, Response: farewell}, nil
		},
	}
}

func roleTool(host Host) Handler {
	return Handler{
		Definition: types.ToolDefinition{
			Name:        "change_role",
			Description: "Switch the assistant to a different configured persona.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role_name": map[string]any{
						"type":        "string",
						"description": "Name of the persona to switch to.",
					},
				},
				"required": []string{"role_name"},
			},
		},
		Admin: true,
		Run: func(ctx context.Context, inv Invocation) (Outcome, error) {
			name, _ := inv.Args["role_name"].(string)
			if err := host.SetRole(ctx, name); err != nil {
				return Outcome{
					Action:   ActionResponse,
					Response: fmt.Sprintf("没有找到角色%s，可选的角色有：%s。", name, strings.Join(host.RoleNames(), "、")),
				}, nil
			}
			return Outcome{Action: ActionResponse, Response: fmt.Sprintf("好的，我现在是%s了。", name)}, nil
		},
	}
}

func deviceTool(host Host) Handler {
	return Handler{
		Definition: types.ToolDefinition{
			Name:        "handle_device",
			Description: "Get or set the speaker volume on the device. Volume is 0-100.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"get", "set"},
					},
					"volume": map[string]any{
						"type":        "integer",
						"description": "Target volume for the set action.",
					},
				},
				"required": []string{"action"},
			},
		},
		Run: func(ctx context.Context, inv Invocation) (Outcome, error) {
			action, _ := inv.Args["action"].(string)
			switch action {
			case "get":
				return Outcome{Action: ActionReqLLM, Result: fmt.Sprintf("当前音量为%d。", host.Volume())}, nil
			case "set":
				level, ok := inv.Args["volume"].(float64)
				if !ok {
					return Outcome{}, fmt.Errorf("set action requires a numeric volume")
				}
				v := int(level)
				if v < 0 {
					v = 0
				} else if v > 100 {
					v = 100
				}
				if err := host.SetVolume(ctx, v); err != nil {
					return Outcome{}, fmt.Errorf("set volume: %w", err)
				}
				return Outcome{Action: ActionResponse, Response: fmt.Sprintf("音量已经调到%d了。", v)}, nil
			default:
				return Outcome{}, fmt.Errorf("unknown device action %q", action)
			}
		},
	}
}
