package llm

import "unicode/utf8"

// AttachmentTokenCost 是每个非文本附件（图片等）的固定估算代币数。
const AttachmentTokenCost = 258

// Usage 汇总一次回合的估算代币用量，仅用于界面展示。
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func newUsage(input, output int) Usage {
	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

// EstimateTokens 按 ceil(字符数/4) 估算文本代币数。
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

// estimateAttachmentTokens 估算附件代币：文本附件按内容计，其余按固定值。
func estimateAttachmentTokens(attachments []Attachment) int {
	total := 0
	for _, attachment := range attachments {
		if attachment.IsText() {
			if decoded, err := decodeAttachment(attachment); err == nil {
				total += EstimateTokens(string(decoded))
			}
			continue
		}
		total += AttachmentTokenCost
	}
	return total
}

// intPointerIfPositive 当值大于零时返回对应指针。
func intPointerIfPositive(value int) *int {
	if value <= 0 {
		return nil
	}
	v := value
	return &v
}
