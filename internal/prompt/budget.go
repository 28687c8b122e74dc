package prompt

// Estimator 近似估算一段文本的 token 数。
type Estimator func(s string) int

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) Estimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// CallTokens 估算一次调用的总 token：提示词 + 预期输出（按输入回答长度近似）。
// 用于限流闸门的 TPM 申请量。
func CallTokens(est Estimator, prompt, expectedOutput string) int {
	if est == nil {
		est = MakeEstimator(0)
	}
	return est(prompt) + est(expectedOutput)
}
