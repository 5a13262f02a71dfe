package instruct

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/skip2/go-qrcode"
)

type InstructType int

const (
	Windows InstructType = iota
	Android
	IOS
)

var platformNames = map[InstructType]string{
	Windows: "win",
	Android: "android",
	IOS:     "ios",
}

func (t InstructType) String() string {
	return platformNames[t]
}

// ParseInstructType accepts the short names used in callback data.
func ParseInstructType(s string) (InstructType, bool) {
	for t, name := range platformNames {
		if strings.EqualFold(s, name) {
			return t, true
		}
	}
	return 0, false
}

type Step struct {
	Caption string
	Link    string
}

var steps = map[InstructType][]Step{
	Windows: {
		{Caption: `Скачайте <a href="https://openvpn.net/community/">OpenVPN</a> с официального сайта`, Link: "https://openvpn.net/community/"},
		{Caption: "После установки откройте трей в правом нижнем углу"},
		{Caption: "ПКМ по значку OpenVPN → Импорт → «Импорт файла конфигурации». Выберите файл, который мы вам отправили"},
		{Caption: "Снова ПКМ по значку и нажмите «Подключиться»"},
	},
	Android: {
		{Caption: `Скачайте <a href="https://play.google.com/store/apps/details?id=net.openvpn.openvpn">OpenVPN</a> из Google Play`, Link: "https://play.google.com/store/apps/details?id=net.openvpn.openvpn"},
		{Caption: "Откройте файловый менеджер и найдите файл конфигурации"},
		{Caption: "Нажмите на файл и выберите в меню OpenVPN"},
		{Caption: "Нажмите OK и подключитесь"},
	},
	IOS: {
		{Caption: `Скачайте <a href="https://apps.apple.com/app/openvpn-connect/id590379981">OpenVPN</a> из App Store`, Link: "https://apps.apple.com/app/openvpn-connect/id590379981"},
		{Caption: "Откройте приложение «Файлы» на устройстве"},
		{Caption: "Найдите файл конфигурации и откройте его через OpenVPN"},
		{Caption: "Нажмите «ADD» и подключайтесь"},
	},
}

// Steps returns the setup walkthrough for a platform.
func Steps(t InstructType) []Step {
	return steps[t]
}

// StepMessage renders one step with a prev/next pager. step is clamped to
// the valid range.
func StepMessage(t InstructType, step int) (string, tgbotapi.InlineKeyboardMarkup) {
	list := Steps(t)
	if step < 0 {
		step = 0
	}
	if step >= len(list) {
		step = len(list) - 1
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton

	if step > 0 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", CallbackData(t, step-1)))
	}
	row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Шаг %d/%d", step+1, len(list)), "inst_noop"))
	if step < len(list)-1 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("Вперёд ➡️", CallbackData(t, step+1)))
	}
	rows = append(rows, row)

	if link := list[step].Link; link != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Скачать ↗️", link)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("📥 Получить ключ", "resend_key"),
	))

	return list[step].Caption, tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// CallbackData encodes a pager position as "inst_<platform>_<step>".
func CallbackData(t InstructType, step int) string {
	return fmt.Sprintf("inst_%s_%d", t, step)
}

// ParseCallbackData is the inverse of CallbackData.
func ParseCallbackData(data string) (InstructType, int, bool) {
	parts := strings.Split(data, "_")
	if len(parts) != 3 || parts[0] != "inst" {
		return 0, 0, false
	}
	t, ok := ParseInstructType(parts[1])
	if !ok {
		return 0, 0, false
	}
	step, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, false
	}
	return t, step, true
}

// ProfileInput is everything needed to build a client profile.
type ProfileInput struct {
	Remote     string
	Port       int
	ServerName string // verify-x509-name; skipped when empty
	CA         []byte
	Cert       []byte
	Key        []byte
	TLSCrypt   []byte
}

// RenderOVPN builds an inline OpenVPN client profile.
func RenderOVPN(in ProfileInput) ([]byte, error) {
	if in.Remote == "" || in.Port <= 0 {
		return nil, fmt.Errorf("profile remote and port are required")
	}
	if len(bytes.TrimSpace(in.Cert)) == 0 || len(bytes.TrimSpace(in.Key)) == 0 {
		return nil, fmt.Errorf("profile certificate and key are required")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, `dev tun
proto udp4
persist-tun
persist-key
data-ciphers AES-256-GCM:AES-128-GCM:CHACHA20-POLY1305:AES-256-CBC
data-ciphers-fallback AES-256-CBC
cipher AES-256-CBC
auth SHA512
tls-client
client
resolv-retry infinite
remote %s %d udp4
nobind
`, in.Remote, in.Port)
	if in.ServerName != "" {
		fmt.Fprintf(&buf, "verify-x509-name %q name\n", in.ServerName)
	}
	buf.WriteString("remote-cert-tls server\nexplicit-exit-notify 1\n\n")

	// Closing tags must start on their own line.
	writeBlock(&buf, "ca", in.CA)
	writeBlock(&buf, "cert", in.Cert)
	writeBlock(&buf, "key", in.Key)
	writeBlock(&buf, "tls-crypt", in.TLSCrypt)

	return buf.Bytes(), nil
}

func writeBlock(buf *bytes.Buffer, tag string, body []byte) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return
	}
	fmt.Fprintf(buf, "<%s>\n", tag)
	buf.Write(body)
	fmt.Fprintf(buf, "\n</%s>\n", tag)
}

// FileName is the attachment name for a credential's profile.
func FileName(credentialID string) string {
	short := credentialID
	if len(short) > 8 {
		short = short[:8]
	}
	return "happycat-" + short + ".ovpn"
}

const qrSize = 512

// QRCode renders payload as a PNG. ok is false when the payload does not
// fit in a QR code, which is common for profiles with an inline RSA key.
func QRCode(payload []byte) (png []byte, ok bool, err error) {
	q, err := qrcode.New(string(payload), qrcode.Low)
	if err != nil {
		// go-qrcode has no typed error for oversize content.
		if strings.Contains(strings.ToLower(err.Error()), "too long") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("encode qr: %w", err)
	}
	png, err = q.PNG(qrSize)
	if err != nil {
		return nil, false, fmt.Errorf("render qr: %w", err)
	}
	return png, true, nil
}
