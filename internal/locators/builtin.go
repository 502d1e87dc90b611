package locators

// Built-in platform names
const (
	PlatformBunjang    = "bunjang"
	PlatformDanggeun   = "danggeun"
	PlatformJunggonara = "junggonara"
)

// Shared page signals
var (
	captchaTarget = Target{
		CSS("iframe[src*='captcha']"),
		CSS(".captcha-image"),
		CSS("input[name='captcha']"),
		CSS("iframe[src*='recaptcha']"),
	}
	errorTarget = Target{
		CSS(".error"),
		CSS(".alert-danger"),
	}
	defaultBlockingMarkers = []string{
		"접근이 차단되었습니다",
		"access denied",
		"too many requests",
		"rate limit exceeded",
	}
)

// bunjangCategories are the top-level category buttons on the registration form
var bunjangCategories = []string{
	"여성의류", "남성의류", "신발", "가방/지갑", "시계", "쥬얼리", "패션 액세서리",
	"디지털", "가전제품", "스포츠/레저", "차량/오토바이", "스타굿즈", "키덜트",
	"예술/희귀/수집품", "음반/악기", "도서/티켓/문구", "뷰티/미용", "가구/인테리어",
	"생활/주방용품", "공구/산업용품", "식품", "유아동/출산", "반려동물용품", "기타", "재능",
}

// danggeunCategories map names to select option values
var danggeunCategories = map[string]string{
	"디지털기기":   "1",
	"생활가전":    "2",
	"가구/인테리어": "3",
	"유아동":     "4",
	"여성의류":    "5",
	"남성패션/잡화": "6",
	"스포츠/레저":  "7",
	"도서":      "8",
	"기타 중고물품": "9",
}

// junggonaraCategories map names to select option values
var junggonaraCategories = map[string]string{
	"디지털/가전": "digital",
	"패션/의류":  "fashion",
	"생활/가구":  "living",
	"도서/음반":  "books",
	"스포츠":    "sports",
	"기타":     "etc",
}

func bunjangProfile() *Profile {
	categories := make(map[string]Category, len(bunjangCategories))
	for _, name := range bunjangCategories {
		categories[name] = Category{Locators: Target{Text("button", name)}}
	}

	return &Profile{
		Platform:          PlatformBunjang,
		DisplayName:       "번개장터",
		HomeURL:           "https://www.bunjang.co.kr",
		LoginURL:          "https://m.bunjang.co.kr/login",
		RegisterURL:       "https://m.bunjang.co.kr/products/new",
		ListingURLPattern: `bunjang\.co\.kr/products/(\d+)`,
		Targets: map[string]Target{
			ElementLoginEntry: {
				XPath("//button[contains(text(), '로그인/회원가입')]"),
				XPath("//a[contains(text(), '로그인/회원가입')]"),
			},
			ElementLoginProvider: {
				XPath("//button[contains(text(), '네이버로 이용하기')]"),
				XPath("//a[contains(text(), '네이버')]"),
				CSS("button[class*='naver']"),
			},
			ElementUsername: {
				CSS("input#id"),
				CSS("input[name='id']"),
				CSS("input[name='loginId']"),
				CSS("input[placeholder='아이디 또는 전화번호']"),
			},
			ElementPassword: {
				CSS("input#pw"),
				CSS("input[name='pw']"),
				CSS("input[type='password']"),
			},
			ElementLoginSubmit: {
				CSS("button[type='submit']"),
				XPath("//button[contains(text(), '로그인')]"),
				XPath("//input[@type='submit']"),
			},
			ElementLoggedIn: {
				CSS(".header__user"),
				CSS(".user-info"),
				CSS("[data-testid='user-menu']"),
				CSS("[aria-label*='사용자']"),
			},
			ElementTitle: {
				CSS("input[placeholder='상품명을 입력해 주세요.']"),
				CSS("input[name='name']"),
			},
			ElementPrice: {
				CSS("input[placeholder='가격을 입력해 주세요.']"),
				CSS("input[name='price']"),
			},
			ElementDescription: {
				CSS("textarea[name='description']"),
				CSS("textarea"),
			},
			ElementQuantity: {
				CSS("input[placeholder='숫자만 입력해 주세요.']"),
			},
			ElementTags: {
				CSS("input[placeholder='태그를 입력해 주세요. (최대 5개)']"),
			},
			ElementImages: {
				CSS("input[type='file']"),
			},
			ElementConditionNew: {
				CSS("input[value='NEW']"),
			},
			ElementConditionUsed: {
				CSS("input[value='USED']"),
			},
			ElementSubmit: {
				Text("button", "등록하기"),
				CSS("button[type='submit']"),
			},
			ElementSuccess: {
				CSS(".success-message"),
			},
			ElementCaptcha: captchaTarget,
			ElementError:   errorTarget,
		},
		Categories:      categories,
		DefaultCategory: "기타",
		BlockingMarkers: defaultBlockingMarkers,
		Quirks: Quirks{
			LoginPopup:   true,
			ForceDesktop: true,
		},
		API: APIProfile{
			Enabled:           true,
			Endpoint:          "https://m.bunjang.co.kr/api/sell",
			Origin:            "https://m.bunjang.co.kr",
			Referer:           "https://m.bunjang.co.kr/",
			DefaultCategoryID: "750610200",
			AuthCookie:        "x-bun-auth-token",
			AuthHeader:        "x-bun-auth-token",
			ProductURLFormat:  "https://bunjang.co.kr/products/%s",
		},
	}
}

func danggeunProfile() *Profile {
	categories := make(map[string]Category, len(danggeunCategories))
	for name, value := range danggeunCategories {
		categories[name] = Category{Value: value}
	}

	return &Profile{
		Platform:          PlatformDanggeun,
		DisplayName:       "당근마켓",
		HomeURL:           "https://www.daangn.com",
		LoginURL:          "https://www.daangn.com/login",
		RegisterURL:       "https://www.daangn.com/products/new",
		ListingURLPattern: `daangn\.com/(?:articles|products|kr/buy-sell)/([\w-]+)`,
		Targets: map[string]Target{
			ElementPhone: {
				CSS("input[name='phone']"),
				CSS("input[type='tel']"),
			},
			ElementPhoneSubmit: {
				CSS("button[type='submit']"),
			},
			ElementVerificationCode: {
				CSS("input[name='verification']"),
			},
			ElementLoggedIn: {
				CSS(".user-info"),
			},
			ElementTitle: {
				CSS("input[name='title']"),
			},
			ElementPrice: {
				CSS("input[name='price']"),
			},
			ElementDescription: {
				CSS("textarea[name='content']"),
			},
			ElementCategory: {
				CSS("select[name='category']"),
			},
			ElementLocation: {
				CSS("select[name='location']"),
			},
			ElementImages: {
				CSS("input[type='file']"),
			},
			ElementSubmit: {
				CSS("button[type='submit']"),
			},
			ElementSuccess: {
				CSS(".alert-success"),
			},
			ElementCaptcha: captchaTarget,
			ElementError:   errorTarget,
		},
		Categories:      categories,
		DefaultCategory: "기타 중고물품",
		BlockingMarkers: defaultBlockingMarkers,
		Quirks: Quirks{
			SMSVerification: true,
		},
	}
}

func junggonaraProfile() *Profile {
	categories := make(map[string]Category, len(junggonaraCategories))
	for name, value := range junggonaraCategories {
		categories[name] = Category{Value: value}
	}

	return &Profile{
		Platform:          PlatformJunggonara,
		DisplayName:       "중고나라",
		HomeURL:           "https://www.joonggonara.co.kr",
		LoginURL:          "https://www.joonggonara.co.kr/login",
		RegisterURL:       "https://www.joonggonara.co.kr/write",
		ListingURLPattern: `joonggonara\.co\.kr/product/(\d+)`,
		Targets: map[string]Target{
			ElementUsername: {
				CSS("input[name='user_id']"),
			},
			ElementPassword: {
				CSS("input[name='password']"),
			},
			ElementLoginSubmit: {
				CSS("input[type='submit']"),
			},
			ElementLoggedIn: {
				CSS(".login-info"),
			},
			ElementTitle: {
				CSS("input[name='subject']"),
			},
			ElementPrice: {
				CSS("input[name='price']"),
			},
			ElementDescription: {
				CSS("textarea[name='content']"),
			},
			ElementLocation: {
				CSS("input[name='location']"),
			},
			ElementCategory: {
				CSS("select[name='category']"),
			},
			ElementImages: {
				CSS("input[type='file']"),
			},
			ElementSubmit: {
				CSS("input[type='submit']"),
			},
			ElementSuccess: {
				CSS(".notice"),
			},
			ElementCaptcha: captchaTarget,
			ElementError:   errorTarget,
		},
		Categories:      categories,
		DefaultCategory: "기타",
		BlockingMarkers: defaultBlockingMarkers,
	}
}

// Builtin returns fresh copies of the built-in platform profiles
func Builtin() []*Profile {
	return []*Profile{
		bunjangProfile(),
		danggeunProfile(),
		junggonaraProfile(),
	}
}
