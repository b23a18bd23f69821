package guard

import "testing"

func TestSpamFilterDefaults(t *testing.T) {
	t.Parallel()

	f := NewSpamFilter(DefaultSpamKeywords)
	cases := []struct {
		text string
		want bool
	}{
		{"请加微信联系，私信我，http://t.me/joinchat", true},
		{"你好，请问发货了吗？", false},
		{"", false},
		{"快来赚钱", true},
		{"HTTPS://EXAMPLE.COM", true},
		{"contact me @someone", true},
		{"订单还没有收到，麻烦看一下", false},
	}
	for _, tc := range cases {
		if got := f.IsSpam(tc.text); got != tc.want {
			t.Fatalf("IsSpam(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestSpamFilterCustomKeywords(t *testing.T) {
	t.Parallel()

	f := NewSpamFilter([]string{"FREE MONEY", "  ", ""})
	if !f.IsSpam("get your free money now") {
		t.Fatal("keyword matching should be case-folded")
	}
	if f.IsSpam("请加微信") {
		t.Fatal("custom keyword list should replace the defaults")
	}
}
